// Command bartos is the barto coordinator: it holds the schedules,
// dispatches commands to connected workers over websockets, and
// persists everything they report.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "github.com/go-sql-driver/mysql"

	"barto"
	"barto/mariadb"
)

var (
	verbose         int
	quiet           int
	enableStdOutput bool
	configPath      string
	tracingPath     string
)

func main() {
	cmd := &cobra.Command{
		Use:           "bartos",
		Short:         "barto coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
	fl := cmd.PersistentFlags()
	fl.CountVarP(&verbose, "verbose", "v", "raise log verbosity")
	fl.CountVarP(&quiet, "quiet", "q", "lower log verbosity")
	fl.BoolVar(&enableStdOutput, "enable-std-output", false, "log to stderr even when tracing to a file")
	fl.StringVar(&configPath, "config-absolute-path", "", "config file path")
	fl.StringVar(&tracingPath, "tracing-absolute-path", "", "trace log file path")

	if err := cmd.Execute(); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func run() error {
	closeLog, err := barto.SetupLogging("bartos: ", barto.LogOptions{
		Verbose:         verbose,
		Quiet:           quiet,
		EnableStdOutput: enableStdOutput,
		TracingPath:     tracingPath,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	path := configPath
	if path == "" {
		path = barto.DefaultConfigPath("bartos.toml")
	}
	cfg, err := barto.LoadCoordinatorConfig(path)
	if err != nil {
		return err
	}
	if cfg.Actix.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Actix.Workers)
	}
	schedules, err := cfg.BuildSchedules()
	if err != nil {
		return err
	}

	db, err := mariadb.Open("mysql", cfg.MariaDB.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return err
	}
	tables := mariadb.Tables{
		Output: cfg.MariaDB.OutputTable,
		Status: cfg.MariaDB.StatusTable,
	}
	if err := mariadb.CreateTables(db, "mysql", tables); err != nil {
		return err
	}
	retention := time.Duration(cfg.MariaDB.RetentionDays) * 24 * time.Hour
	store := mariadb.NewStore(db, "mysql", tables, retention)
	writer := mariadb.NewWriter(store)

	dispatch := make(chan barto.DispatchEvent, 64)
	hub := barto.NewHub(barto.Version, writer, store, dispatch)
	sched := barto.NewScheduler(schedules, dispatch)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return writer.Run(ctx) })

	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	mux.HandleFunc("/ws/worker", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("worker upgrade failed: %v", err)
			return
		}
		barto.ServeWorker(hub, conn)
	})
	mux.HandleFunc("/ws/cli", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("cli upgrade failed: %v", err)
			return
		}
		barto.ServeCli(hub, conn)
	})

	serve(ctx, g, &http.Server{
		Addr:    addr(cfg.Actix.IP, cfg.Actix.Port),
		Handler: mux,
	}, "", "")
	if tls := cfg.Actix.TLS; tls != nil {
		ip := tls.IP
		if ip == "" {
			ip = cfg.Actix.IP
		}
		serve(ctx, g, &http.Server{
			Addr:    addr(ip, tls.Port),
			Handler: mux,
		}, tls.CertFilePath, tls.KeyFilePath)
	}

	log.Printf("bartos %s listening on %s", barto.Version, addr(cfg.Actix.IP, cfg.Actix.Port))
	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, cert, key string) {
	g.Go(func() error {
		if cert != "" {
			return srv.ListenAndServeTLS(cert, key)
		}
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func addr(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
