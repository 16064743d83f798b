/*
 * MailWire - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

package watch

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vs49688/mailwire/cmd/config"
	"github.com/vs49688/mailwire/receiver"
	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/store"
)

var errReceiverStopped = errors.New("receiver stopped")

type Config struct {
	config.CliConfig
	Database         string
	Listen           string
	NATSURL          string
	NATSSubject      string
	Query            string
	DeleteOnAck      bool
	FetchBufferSize  uint
	FetchMaxInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		CliConfig:        config.DefaultConfig(),
		Database:         "mailwire.db",
		Listen:           "127.0.0.1:9465",
		NATSSubject:      "mailwire.messages",
		Query:            receiver.DefaultQuery,
		FetchBufferSize:  receiver.DefaultFetchBufferSize,
		FetchMaxInterval: receiver.DefaultFetchMaxInterval,
	}
}

func (cfg *Config) Parameters() []cli.Flag {
	def := DefaultConfig()

	flags := cfg.CliConfig.Parameters()
	flags = append(flags, cfg.IMAP.Parameters("imap", true)...)
	return append(flags,
		&cli.StringFlag{
			Name:        "database",
			Usage:       "sqlite cache path, or :memory:",
			EnvVars:     []string{"MAILWIRE_DATABASE"},
			Destination: &cfg.Database,
			Value:       def.Database,
		},
		&cli.StringFlag{
			Name:        "listen",
			Usage:       "address for /metrics, /healthz and /messages. empty disables",
			EnvVars:     []string{"MAILWIRE_LISTEN"},
			Destination: &cfg.Listen,
			Value:       def.Listen,
		},
		&cli.StringFlag{
			Name:        "nats-url",
			Usage:       "publish received messages to this nats server",
			EnvVars:     []string{"MAILWIRE_NATS_URL"},
			Destination: &cfg.NATSURL,
		},
		&cli.StringFlag{
			Name:        "nats-subject",
			Usage:       "nats subject for received messages",
			EnvVars:     []string{"MAILWIRE_NATS_SUBJECT"},
			Destination: &cfg.NATSSubject,
			Value:       def.NATSSubject,
		},
		&cli.StringFlag{
			Name:        "query",
			Usage:       "uid search query selecting new messages",
			EnvVars:     []string{"MAILWIRE_QUERY"},
			Destination: &cfg.Query,
			Value:       def.Query,
		},
		&cli.BoolFlag{
			Name:        "delete-on-ack",
			Usage:       "delete and expunge messages once handled",
			EnvVars:     []string{"MAILWIRE_DELETE_ON_ACK"},
			Destination: &cfg.DeleteOnAck,
		},
		&cli.UintFlag{
			Name:        "fetch-buffer-size",
			Usage:       "fetch buffer size",
			EnvVars:     []string{"MAILWIRE_FETCH_BUFFER_SIZE"},
			Destination: &cfg.FetchBufferSize,
			Value:       def.FetchBufferSize,
		},
		&cli.DurationFlag{
			Name:        "fetch-max-interval",
			Usage:       "maximum interval between fetches. can abort IDLE",
			EnvVars:     []string{"MAILWIRE_FETCH_MAX_INTERVAL"},
			Destination: &cfg.FetchMaxInterval,
			Value:       def.FetchMaxInterval,
		},
	)
}

func RegisterCommand(app *cli.App) *cli.App {
	cfg := DefaultConfig()
	app.Commands = append(app.Commands, &cli.Command{
		Name:   "watch",
		Usage:  "Watch a folder and cache new messages",
		Flags:  cfg.Parameters(),
		Action: func(context *cli.Context) error { return watch(context, &cfg) },
	})
	return app
}

// Handler processes received messages and acknowledges them.
type Handler struct {
	Account   string
	Mailbox   string
	Publisher Publisher
	Acker     interface{ Ack(uid uint32, err error) }
	Logger    *log.Entry
}

func (h *Handler) Handle(msg *receiver.Message) {
	e := h.Logger.WithFields(log.Fields{
		"uid":     msg.UID,
		"subject": msg.Envelope.Subject,
		"from":    msg.Envelope.From,
	})

	if msg.Body != nil {
		e = e.WithFields(log.Fields{
			"strategy": msg.Body.Strategy,
			"parts":    len(msg.Body.Parts),
			"deferred": len(msg.Body.Deferred),
		})
	}
	e.Info("message_received")

	var err error
	if h.Publisher != nil {
		if err = h.Publisher.Publish(h.Account, h.Mailbox, msg); err != nil {
			e.WithError(err).Warn("message_publish_failed")
		}
	}

	h.Acker.Ack(msg.UID, err)
}

func watch(_ *cli.Context, cfg *Config) error {
	logger := cfg.SetupLogging()

	res, err := cfg.NewResilience(logger)
	if err != nil {
		return err
	}

	res.OnAlert(func(a resilience.Alert) {
		logger.WithFields(log.Fields{
			"account":    a.Account,
			"host":       a.Host,
			"reason":     a.Reason,
			"health":     a.Health.String(),
			"error_rate": a.ErrorRate,
		}).Warn("health_alert")
	})

	clientCfg, factory, mailbox, err := cfg.IMAP.ResolveIMAP(res, logger)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"url":                cfg.IMAP.URL,
		"auth_method":        cfg.IMAP.AuthMethod,
		"username":           clientCfg.Account,
		"transport":          cfg.IMAP.Transport,
		"database":           cfg.Database,
		"listen":             cfg.Listen,
		"nats_url":           cfg.NATSURL,
		"query":              cfg.Query,
		"delete_on_ack":      cfg.DeleteOnAck,
		"fetch_buffer_size":  cfg.FetchBufferSize,
		"fetch_max_interval": cfg.FetchMaxInterval,
	}).Info("starting")

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var publisher Publisher
	if cfg.NATSURL != "" {
		if publisher, err = NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject); err != nil {
			return err
		}
		defer publisher.Close()
	}

	ch := make(chan *receiver.Message, cfg.FetchBufferSize)
	rcv, err := receiver.NewReceiver(&receiver.Config{
		ClientConfig:     clientCfg,
		Mailbox:          mailbox,
		Query:            cfg.Query,
		FetchBufferSize:  cfg.FetchBufferSize,
		FetchMaxInterval: cfg.FetchMaxInterval,
		DeleteOnAck:      cfg.DeleteOnAck,
		Cache:            st,
		Blobs:            st,
		Channel:          ch,
		Logger:           logger,
	}, factory)
	if err != nil {
		return err
	}
	defer rcv.Close()

	if cfg.Listen != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           NewServer(res, rcv),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("http_server_failed")
			}
		}()

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	handler := &Handler{
		Account:   clientCfg.Account,
		Mailbox:   mailbox,
		Publisher: publisher,
		Acker:     rcv,
		Logger:    logger,
	}

	sigchan := make(chan os.Signal, 10)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	sigcount := 0
	for {
		select {
		case sig := <-sigchan:
			log.WithFields(log.Fields{"signal": sig, "count": sigcount}).Trace("caught_signal")

			sigcount += 1
			if sigcount > 1 {
				logger.WithFields(log.Fields{"signal": sig}).Warn("received_interrupt_force_exit")
				os.Exit(1)
			}
			logger.WithFields(log.Fields{"signal": sig}).Info("received_interrupt")
			return nil
		case msg := <-ch:
			handler.Handle(msg)
		case <-rcv.Done():
			logger.Error("receiver_terminated")
			return errReceiverStopped
		}
	}
}
