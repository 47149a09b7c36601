package view

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"github.com/williamlsh/logging"

	"github.com/SB-IM/liveview/cmd/internal/flags"
	"github.com/SB-IM/liveview/internal/api"
	"github.com/SB-IM/liveview/internal/peer"
	"github.com/SB-IM/liveview/internal/signal"
	"github.com/SB-IM/liveview/pkg/mqttclient"
)

// Command returns the view command.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger

		mc mqtt.Client

		mqttConfigOptions   mqttclient.ConfigOptions
		signalConfigOptions signal.ConfigOptions
		peerConfigOptions   peer.ConfigOptions
		apiConfigOptions    api.ConfigOptions
	)

	flagSet := flags.Merge(
		flags.LoadConfig(),
		flags.MQTT(&mqttConfigOptions, "liveview_viewer"),
		flags.MQTTSignal(&signalConfigOptions.MQTT),
		signalFlags(&signalConfigOptions),
		webRTCFlags(&peerConfigOptions),
		apiFlags(&apiConfigOptions),
	)

	return &cli.Command{
		Name:  "view",
		Usage: "view serves the viewer API and opens live streams from cameras",
		Flags: flagSet,
		Before: func(c *cli.Context) error {
			if err := flags.InitConfig(flagSet)(c); err != nil {
				return err
			}

			// Set up logger.
			logging.Debug(c.Bool("debug"))
			logger = log.With().Str("service", "liveview").Str("command", "view").Logger()
			ctx = logger.WithContext(ctx)

			if signalConfigOptions.Transport == signal.TransportMQTT {
				mc = mqttclient.NewClient(ctx, mqttConfigOptions)
				if err := mqttclient.CheckConnectivity(mc, 3*time.Second); err != nil {
					return err
				}
				ctx = mqttclient.WithContext(ctx, mc)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			ctx, stop := ossignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			peerConfigOptions.ICEServers = c.StringSlice("webrtc.ice_server")
			transports, err := peer.NewFactory(ctx, peerConfigOptions)
			if err != nil {
				return err
			}
			signaler, err := signal.New(ctx, signalConfigOptions)
			if err != nil {
				return err
			}

			s := api.New(ctx, transports, signaler, apiConfigOptions)
			defer s.Close()
			return s.Serve(ctx)
		},
		After: func(c *cli.Context) error {
			if mc != nil {
				mc.Disconnect(250)
			}
			logger.Info().Msg("exits")
			return nil
		},
	}
}

func signalFlags(options *signal.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal.transport",
			Usage:       "Signaling transport, mqtt or websocket",
			Value:       signal.TransportMQTT,
			DefaultText: signal.TransportMQTT,
			Destination: &options.Transport,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "signal.timeout",
			Usage:       "Time to wait for an answer, 0 waits until the stream is stopped",
			Value:       30 * time.Second,
			DefaultText: "30s",
			Destination: &options.Timeout,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal.websocket_url",
			Usage:       "WebSocket signaling endpoint",
			Value:       "ws://localhost:8081/signal",
			DefaultText: "ws://localhost:8081/signal",
			Destination: &options.WebSocket.URL,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal.websocket_token",
			Usage:       "Bearer token for the WebSocket signaling endpoint",
			Value:       "",
			Destination: &options.WebSocket.Token,
		}),
	}
}

func webRTCFlags(options *peer.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:        "webrtc.ice_server",
			Usage:       "ICE server addresses for webRTC",
			Value:       cli.NewStringSlice("stun:stun.l.google.com:19302"),
			DefaultText: "stun:stun.l.google.com:19302",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server_username",
			Usage:       "ICE server username for webRTC",
			Value:       "",
			DefaultText: "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server_credential",
			Usage:       "ICE server credential for webRTC",
			Value:       "",
			DefaultText: "",
			Destination: &options.Credential,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "webrtc.strict_media",
			Usage:       "Offer only the media kinds a viewer asks for",
			Value:       false,
			DefaultText: "false",
			Destination: &options.StrictMedia,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "webrtc.gather_timeout",
			Usage:       "Time to wait for ICE candidates before sending the offer, 0 waits for all",
			Value:       5 * time.Second,
			DefaultText: "5s",
			Destination: &options.GatherTimeout,
		}),
	}
}

func apiFlags(options *api.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "api.host",
			Usage:       "Host of the viewer API",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "api.port",
			Usage:       "Port of the viewer API",
			Value:       8080,
			DefaultText: "8080",
			Destination: &options.Port,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "api.record_dir",
			Usage:       "Directory for recordings, empty disables recording",
			Value:       "",
			Destination: &options.RecordDir,
		}),
	}
}
