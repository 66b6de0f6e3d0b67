// Package share builds the client-facing connection descriptors: the
// canonical vless:// URI and the flattened manual-entry map. Both are
// rendered from the same field values and must never diverge.
package share

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"vless-manager/internal/model"
)

// ErrUnsupportedProtocol is returned when a descriptor is requested for any
// protocol/TLS pairing other than vless+reality.
var ErrUnsupportedProtocol = errors.New("unsupported protocol combination")

// fingerprint is hardcoded: chrome is the widely compatible default and is
// deliberately not configurable.
const fingerprint = "chrome"

// VlessURI renders the canonical connection URI for one user on one inbound.
// Query parameter order is fixed for reproducibility, so the string is built
// by hand rather than through url.Values (which sorts keys).
func VlessURI(user model.User, server model.ServerConfig, inbound model.InboundConfig) (string, error) {
	if inbound.Protocol != model.ProtocolVLESS || inbound.TLSType != model.TLSTypeReality {
		return "", fmt.Errorf("%w: %s+%s (only vless+reality descriptors are supported)",
			ErrUnsupportedProtocol, inbound.Protocol, inbound.TLSType)
	}

	r := inbound.Reality
	return fmt.Sprintf("vless://%s@%s:%d?type=tcp&security=reality&pbk=%s&fp=%s&sni=%s&sid=%s&flow=%s#%s",
		user.ID,
		server.Host,
		inbound.Port,
		r.PublicKey,
		fingerprint,
		r.ServerNames[0],
		r.ShortIDs[0],
		model.FlowVision,
		url.PathEscape(user.Name),
	), nil
}

// ClientConfigs produces one descriptor per vless+reality inbound on the
// server. Inbounds with other protocol/TLS pairings have no descriptor form
// and are skipped.
func ClientConfigs(user model.User, server model.ServerConfig) ([]model.ClientConfig, error) {
	configs := make([]model.ClientConfig, 0, len(server.Inbounds))
	for _, inbound := range server.Inbounds {
		if inbound.Protocol != model.ProtocolVLESS || inbound.TLSType != model.TLSTypeReality {
			continue
		}
		uri, err := VlessURI(user, server, inbound)
		if err != nil {
			return nil, err
		}
		r := inbound.Reality
		configs = append(configs, model.ClientConfig{
			UserID:   user.ID,
			Protocol: inbound.Protocol,
			URI:      uri,
			Manual: map[string]string{
				"address":     server.Host,
				"port":        strconv.Itoa(inbound.Port),
				"uuid":        user.ID,
				"flow":        model.FlowVision,
				"security":    "reality",
				"sni":         r.ServerNames[0],
				"fingerprint": fingerprint,
				"publicKey":   r.PublicKey,
				"shortId":     r.ShortIDs[0],
			},
		})
	}
	return configs, nil
}
