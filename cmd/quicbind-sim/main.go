// Command quicbind-sim is a minimal harness that opens a binding on a UDP
// address and logs each new connection the dispatcher accepts. Stateless
// responses and most drops are not logged one by one; they show up in the
// binding's metrics. It doesn't implement a QUIC connection state machine —
// that's this module's explicit Non-goal — so every accepted handshake just
// gets one log line and a stub connection that discards what it is given.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/pg9182/quicbind"
	"github.com/pg9182/quicbind/binding"
	"github.com/pg9182/quicbind/internal/dispatch"
	"github.com/pg9182/quicbind/internal/library"
	"github.com/pg9182/quicbind/internal/listener"
	"github.com/pg9182/quicbind/internal/obslog"
	"github.com/pg9182/quicbind/internal/workerpool"
)

var opt struct {
	Help       bool
	Listen     string
	MetricsAddr string
	EventLog   string
	Workers    int
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVarP(&opt.Listen, "listen", "l", "[::]:4433", "UDP address to bind")
	pflag.StringVar(&opt.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	pflag.StringVar(&opt.EventLog, "event-log", "", "sqlite3 event log path (empty disables)")
	pflag.IntVarP(&opt.Workers, "workers", "w", 4, "number of dispatcher worker goroutines")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	local, err := netip.ParseAddrPort(opt.Listen)
	if err != nil {
		log.Fatal().Err(err).Str("listen", opt.Listen).Msg("parse listen address")
	}

	settings := quicbind.DefaultSettings()

	lib, err := library.New(settings, time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize library")
	}
	defer lib.Close()

	pool := workerpool.New(opt.Workers, 0, log)
	defer pool.Close()

	var events *obslog.DB
	if opt.EventLog != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		events, err = obslog.Open(ctx, opt.EventLog, 10_000)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("open event log")
		}
		defer events.Close()
	}

	factory := &loggingFactory{log: log, events: events}

	b, err := binding.Initialize(binding.Config{
		Local:       local,
		ServerOwned: true,
		Settings:    settings,
		Factory:     factory,
		Workers:     pool,
		Library:     lib,
		Log:         log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("initialize binding")
	}

	entry := listener.NewEntry(netip.Addr{}, local.Port(), true, true, anyALPN{})
	b.Listeners.Register(entry)

	log.Info().Str("local", b.LocalAddr().String()).Msg("binding ready")

	if opt.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			b.WritePrometheus(w, "")
		})
		go func() {
			if err := http.ListenAndServe(opt.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	if err := binding.Uninitialize(b); err != nil {
		log.Warn().Err(err).Msg("uninitialize binding")
	}
}

// anyALPN accepts any offered protocol list, including none, so the sim
// harness never refuses a connection for lack of a real TLS ALPN layer.
type anyALPN struct{}

func (anyALPN) ALPNOverlaps(listener.SessionMatcher) bool { return true }
func (anyALPN) AcceptsALPN([]string) bool                 { return true }

// loggingFactory stands in for a real QUIC connection state machine: it
// logs acceptance and immediately releases, since building the handshake
// itself is out of this module's scope.
type loggingFactory struct {
	log    zerolog.Logger
	events *obslog.DB
	count  atomic.Uint64
}

func (f *loggingFactory) CreateConnection(dgram quicbind.Datagram, entry *listener.Entry) (dispatch.Connection, error) {
	n := f.count.Add(1)
	f.log.Info().
		Uint64("connection", n).
		Str("remote", dgram.Remote.String()).
		Bool("valid_token", dgram.Meta.ValidToken).
		Msg("accepted new connection")
	if f.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		f.events.Append(ctx, "sim", "connection-created", dgram.Remote, "")
		cancel()
	}
	return &stubConnection{}, nil
}

// stubConnection discards everything queued to it; a real connection would
// hand datagrams to its own receive/crypto pipeline instead.
type stubConnection struct {
	refs atomic.Int32
}

func (c *stubConnection) QueueRecvDatagrams([]quicbind.Datagram) {}
func (c *stubConnection) QueueUnreachable(netip.AddrPort)        {}
func (c *stubConnection) QueueOperation(op dispatch.Operation)   { op.Run() }
func (c *stubConnection) AddRef(quicbind.RefReason)              { c.refs.Add(1) }
func (c *stubConnection) Release(quicbind.RefReason)             { c.refs.Add(-1) }
