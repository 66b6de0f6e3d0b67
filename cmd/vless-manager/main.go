package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	_ "modernc.org/sqlite"

	"vless-manager/internal/db"
	"vless-manager/internal/httpapi"
	"vless-manager/internal/hub"
	"vless-manager/internal/keys"
	"vless-manager/internal/manager"
	"vless-manager/internal/migrate"
	"vless-manager/internal/model"
	"vless-manager/internal/singbox"
	"vless-manager/internal/state"
	"vless-manager/internal/store"
	"vless-manager/internal/tasks"
)

const usageText = `Usage: vless-manager <command> [flags]

Commands:
  install        download the latest sing-box release
  init           generate server identity and write initial config
  start          start sing-box against the compiled config
  stop           stop the running sing-box process
  status         show process and roster status
  recompile      rebuild the compiled config from state
  reset          rotate keys and clear the roster
  user:add       add a user (-email, -expires, -limit)
  user:remove    remove a user by name or id
  user:list      list all users
  user:show      print a user's share URI and QR code
  user:enable    enable a user
  user:disable   disable a user
  serve          run the HTTP control API daemon
`

type env struct {
	stateDir      string
	httpAddr      string
	adminPassword string
	jwtSecret     []byte
	jwtTTL        time.Duration
	bin           string
	auditDB       string
}

func loadEnv() env {
	stateDir := getenvDefault("VLESSMGR_STATE_DIR", "/var/lib/vless-manager")
	return env{
		stateDir:      stateDir,
		httpAddr:      getenvDefault("VLESSMGR_HTTP_ADDR", ":8080"),
		adminPassword: os.Getenv("VLESSMGR_ADMIN_PASSWORD"),
		jwtSecret:     []byte(getenvDefault("VLESSMGR_JWT_SECRET", "vless-manager-secret")),
		jwtTTL:        getenvDurationDefault("VLESSMGR_JWT_TTL", 24*time.Hour),
		bin:           getenvDefault("VLESSMGR_BIN", filepath.Join(stateDir, "bin", "sing-box")),
		auditDB:       getenvDefault("VLESSMGR_AUDIT_DB", filepath.Join(stateDir, "audit.db")),
	}
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	e := loadEnv()
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "install":
		err = runInstall(e)
	case "init":
		err = runInit(e, args)
	case "start":
		err = runStart(e)
	case "stop":
		err = singbox.StopDetached(pidPath(e))
	case "status":
		err = runStatus(e)
	case "recompile":
		err = runRecompile(e)
	case "reset":
		err = runReset(e)
	case "user:add":
		err = runUserAdd(e, args)
	case "user:remove":
		err = runUserMutate(e, args, "user:remove")
	case "user:list":
		err = runUserList(e)
	case "user:show":
		err = runUserShow(e, args)
	case "user:enable":
		err = runUserMutate(e, args, "user:enable")
	case "user:disable":
		err = runUserMutate(e, args, "user:disable")
	case "serve":
		err = runServe(e)
	default:
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("vless-manager %s: %v", cmd, err)
	}
}

func pidPath(e env) string { return filepath.Join(e.stateDir, "sing-box.pid") }
func logPath(e env) string { return filepath.Join(e.stateDir, "sing-box.log") }

// newManager wires the manager for one-shot CLI verbs. The supervisor is nil
// because detached process control goes through the pid file instead.
func newManager(e env) (*manager.Manager, error) {
	mgr := manager.New(state.New(e.stateDir), &keys.Provider{}, nil)
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	if audit := openAudit(e); audit != nil {
		mgr.SetRecorder(audit)
	}
	return mgr, nil
}

// openAudit opens the audit database, returning nil when it is disabled or
// unavailable. Audit is observability only and never blocks an operation.
func openAudit(e env) *store.Store {
	if e.auditDB == "" || e.auditDB == "off" {
		return nil
	}
	conn, err := db.Open(e.auditDB)
	if err != nil {
		log.Printf("audit disabled: %v", err)
		return nil
	}
	if err := migrate.Apply(conn); err != nil {
		log.Printf("audit disabled: %v", err)
		_ = conn.Close()
		return nil
	}
	return store.New(conn)
}

func runInstall(e env) error {
	inst := singbox.NewInstaller(filepath.Join(e.stateDir, "bin"))
	version, err := inst.InstallLatest(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("installed sing-box %s to %s\n", version, inst.BinPath())
	return nil
}

func runInit(e env, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	host := fs.String("host", "", "public address clients connect to (required)")
	port := fs.Int("port", 443, "listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mgr, err := newManager(e)
	if err != nil {
		return err
	}
	server, err := mgr.Initialize(context.Background(), *host, *port)
	if err != nil {
		return err
	}

	pub, err := mgr.PublicKey()
	if err != nil {
		return err
	}
	fmt.Printf("initialized %s\n", server.Host)
	fmt.Printf("reality public key: %s\n", pub)
	return nil
}

func runStart(e env) error {
	st := state.New(e.stateDir)
	if _, err := os.Stat(st.ConfigPath()); err != nil {
		return fmt.Errorf("no compiled config, run init first: %w", err)
	}
	pid, err := singbox.StartDetached(e.bin, st.ConfigPath(), logPath(e), pidPath(e))
	if err != nil {
		return err
	}
	fmt.Printf("sing-box started (pid=%d)\n", pid)
	return nil
}

func runStatus(e env) error {
	if pid, running := singbox.DetachedPID(pidPath(e)); running {
		fmt.Printf("sing-box: running (pid=%d)\n", pid)
	} else {
		fmt.Println("sing-box: stopped")
	}

	mgr, err := newManager(e)
	if err != nil {
		return err
	}
	stats, err := mgr.Stats()
	if err != nil {
		if err == manager.ErrNotInitialized {
			fmt.Println("state: not initialized")
			return nil
		}
		return err
	}
	server, err := mgr.Server()
	if err != nil {
		return err
	}
	fmt.Printf("server: %s\n", server.Host)
	fmt.Printf("users: %d total, %d active, %d disabled\n", stats.Total, stats.Active, stats.Disabled)
	return nil
}

func runRecompile(e env) error {
	mgr, err := newManager(e)
	if err != nil {
		return err
	}
	if err := mgr.Recompile(context.Background()); err != nil {
		return err
	}
	fmt.Println("config recompiled")
	return nil
}

func runReset(e env) error {
	mgr, err := newManager(e)
	if err != nil {
		return err
	}
	server, err := mgr.Reset(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("reset complete, new identity for %s; all previous client URIs are invalid\n", server.Host)
	return nil
}

func runUserAdd(e env, args []string) error {
	fs := flag.NewFlagSet("user:add", flag.ExitOnError)
	email := fs.String("email", "", "contact email")
	expires := fs.String("expires", "", "expiry as RFC 3339 timestamp or YYYY-MM-DD")
	limit := fs.Int64("limit", 0, "advisory traffic limit in bytes (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: user:add [flags] <name>")
	}

	opts := manager.AddUserOptions{Email: *email, TrafficLimit: *limit}
	if *expires != "" {
		t, err := parseExpiry(*expires)
		if err != nil {
			return err
		}
		opts.ExpiresAt = &t
	}

	mgr, err := newManager(e)
	if err != nil {
		return err
	}
	user, configs, err := mgr.AddUser(context.Background(), fs.Arg(0), opts)
	if err != nil {
		return err
	}
	fmt.Printf("added user %s (%s)\n", user.Name, user.ID)
	for _, cc := range configs {
		fmt.Println(cc.URI)
	}
	return nil
}

func runUserMutate(e env, args []string, verb string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <name-or-id>", verb)
	}
	mgr, err := newManager(e)
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch verb {
	case "user:remove":
		if err := mgr.RemoveUser(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
	case "user:enable":
		user, err := mgr.SetUserEnabled(ctx, args[0], true)
		if err != nil {
			return err
		}
		fmt.Printf("enabled %s\n", user.Name)
	case "user:disable":
		user, err := mgr.SetUserEnabled(ctx, args[0], false)
		if err != nil {
			return err
		}
		fmt.Printf("disabled %s\n", user.Name)
	}
	return nil
}

func runUserList(e env) error {
	mgr, err := newManager(e)
	if err != nil {
		return err
	}
	users, err := mgr.Users()
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("no users")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-36s  %-20s  %-8s  %s\n", "ID", "NAME", "STATUS", "EXPIRES")
	for _, u := range users {
		fmt.Printf("%-36s  %-20s  %-8s  %s\n", u.ID, u.Name, userStatus(u, now), expiryString(u))
	}
	return nil
}

func runUserShow(e env, args []string) error {
	fs := flag.NewFlagSet("user:show", flag.ExitOnError)
	noQR := fs.Bool("no-qr", false, "print the URI only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: user:show [flags] <name-or-id>")
	}

	mgr, err := newManager(e)
	if err != nil {
		return err
	}
	export, err := mgr.ExportUserConfig(fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("user: %s (%s)\n", export.User.Name, export.User.ID)
	for _, cc := range export.ClientConfigs {
		fmt.Println()
		fmt.Println(cc.URI)
		if !*noQR {
			qr, err := qrcode.New(cc.URI, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("render qr code: %w", err)
			}
			fmt.Println(qr.ToSmallString(false))
		}
	}
	return nil
}

func runServe(e env) error {
	if e.adminPassword == "" {
		return fmt.Errorf("VLESSMGR_ADMIN_PASSWORD is required for serve")
	}

	st := state.New(e.stateDir)
	sup := singbox.NewSupervisor(e.bin, logPath(e))
	mgr := manager.New(st, &keys.Provider{}, sup)
	if err := mgr.Load(); err != nil {
		return err
	}

	audit := openAudit(e)
	if audit != nil {
		mgr.SetRecorder(audit)
		defer audit.DB().Close()
	}

	eventHub := hub.New(string(e.jwtSecret))
	mgr.SetBroadcaster(eventHub)

	scheduler := tasks.New(mgr, audit)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	server := httpapi.NewServer(mgr, audit, eventHub, e.adminPassword, e.jwtSecret, e.jwtTTL)
	mux := http.NewServeMux()
	server.Register(mux)

	httpSrv := &http.Server{Addr: e.httpAddr, Handler: httpapi.WithCORS(mux)}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("vless-manager listening on %s", e.httpAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Printf("received %s, shutting down", s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	eventHub.Close()
	if sup.Running() {
		_ = sup.Stop()
	}
	return nil
}

func userStatus(u model.User, now time.Time) string {
	switch {
	case !u.Enabled:
		return "disabled"
	case u.Expired(now):
		return "expired"
	default:
		return "active"
	}
}

func expiryString(u model.User) string {
	if u.ExpiresAt == nil {
		return "-"
	}
	return u.ExpiresAt.Format(time.RFC3339)
}

func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		// Expire at end of the named day, local time.
		return t.Add(24*time.Hour - time.Second), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse expiry %q", s)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
