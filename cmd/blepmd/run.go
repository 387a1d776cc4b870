package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/config"
	"github.com/rigado/blepm/peripheral"
	"github.com/rigado/blepm/radio/fake"
	"github.com/rigado/blepm/radio/hci"
	"github.com/urfave/cli"
)

var simAddress = blepm.NewAddr("4a:00:00:00:be:ef")

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	log := blepm.GetLogger().ChildLogger(map[string]interface{}{"cmd": "run"})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := newPrinter(os.Stdout, c.Bool("plain"))
	var m *peripheral.Manager
	handler := func(ctx context.Context, ev blepm.Event) {
		if err := p.print(ev); err != nil {
			log.Warnf("print event: %v", err)
		}
		if d, ok := ev.(blepm.DataReceived); ok && c.Bool("echo") {
			echo(ctx, m, d, log)
		}
	}

	var radio blepm.Radio
	var start func(context.Context) error
	if c.Bool("sim") {
		r := fake.New()
		r.AutoComplete = true
		r.SetAddress(simAddress)
		radio = r
		start = func(ctx context.Context) error {
			if err := r.Inject(blepm.StackReady{}); err != nil {
				return err
			}
			if c.Bool("demo") {
				go demo(ctx, r, cfg, c.Bool("echo"))
			}
			return nil
		}
	} else {
		h, err := openHCI(cfg)
		if err != nil {
			return err
		}
		defer h.Close()
		radio = h
		start = h.Start
	}

	m, err = peripheral.New(radio, handler, opts...)
	if err != nil {
		return errors.Wrap(err, "new manager")
	}
	defer m.Close()

	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	if err := start(ctx); err != nil {
		cancel()
		<-errc
		return errors.Wrap(err, "start radio")
	}
	log.Infof("blepmd %s running, manager %s", version, m.ID())

	err = <-errc
	if errors.Cause(err) == context.Canceled {
		log.Infof("shutting down, %d messages dropped", m.Dropped())
		return nil
	}
	return err
}

func openHCI(cfg *config.Config) (*hci.HCI, error) {
	skt, err := hci.OpenTransport(hci.Transport{
		Kind:   cfg.HCI.Transport,
		Device: cfg.HCI.Device,
		Path:   cfg.HCI.Path,
		Baud:   cfg.HCI.Baud,
	})
	if err != nil {
		return nil, err
	}
	h := hci.New(skt)
	if err := h.SetCommandTimeout(cfg.HCI.CommandTimeout); err != nil {
		skt.Close()
		return nil, err
	}
	if err := h.SetBreaker(cfg.HCI.Breaker.MaxFailures, cfg.HCI.Breaker.OpenTimeout); err != nil {
		skt.Close()
		return nil, err
	}
	return h, nil
}

// echo indicates d back to its sender. ctx is the event handler's.
func echo(ctx context.Context, m *peripheral.Manager, d blepm.DataReceived, log blepm.Logger) {
	if err := m.SendIndication(ctx, d.Connection, d.Data); err != nil {
		log.Warnf("conn %s: echo: %v", d.Connection, err)
	}
}

// demo plays one peer session against the simulated radio.
func demo(ctx context.Context, r *fake.Radio, cfg *config.Config, echo bool) {
	const conn blepm.ConnHandle = 0x0040
	steps := []blepm.StackEvent{
		blepm.ConnectionComplete{
			Connection: conn,
			Peer:       blepm.NewAddr("c4:7c:8d:6a:12:34"),
			AdvSet:     -1,
			Params:     cfg.ConnParams(),
		},
		blepm.MTUExchanged{Connection: conn, MTU: 247},
		blepm.CCCDWrite{Connection: conn, Attr: cfg.Device.TXHandle, Value: 0x0002},
		blepm.AttWrite{Connection: conn, Attr: cfg.Device.RXHandle, Data: []byte("hello")},
	}
	if echo {
		steps = append(steps, blepm.IndicationConfirm{Connection: conn, Attr: cfg.Device.TXHandle})
	}
	steps = append(steps,
		blepm.CCCDWrite{Connection: conn, Attr: cfg.Device.TXHandle, Value: 0x0000},
		blepm.DisconnectionComplete{Connection: conn, Reason: blepm.StatusRemoteUserTerm},
	)

	for _, ev := range steps {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		if err := r.Inject(ev); err != nil {
			blepm.GetLogger().Warnf("demo: inject %s: %v", ev.Name(), err)
		}
	}
}
