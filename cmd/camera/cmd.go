package camera

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
	"github.com/SB-IM/liveview/internal/camera"
	"github.com/SB-IM/liveview/pkg/mqttclient"
)

// Command returns the camera command.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger

		mc mqtt.Client

		mqttConfigOptions   mqttclient.ConfigOptions
		cameraConfigOptions camera.ConfigOptions
	)

	flagSet := flags.Merge(
		flags.LoadConfig(),
		flags.MQTT(&mqttConfigOptions, "liveview_camera"),
		flags.MQTTSignal(&cameraConfigOptions.MQTT),
		cameraFlags(&cameraConfigOptions),
		webRTCFlags(&cameraConfigOptions.WebRTCConfigOptions),
		streamFlags(&cameraConfigOptions.StreamSource),
		webSocketFlags(&cameraConfigOptions.WebSocket),
		hookFlags(&cameraConfigOptions.Hook),
	)

	return &cli.Command{
		Name:  "camera",
		Usage: "camera answers viewers' offers with a live stream from an RTP, RTSP or RTMP source",
		Flags: flagSet,
		Before: func(c *cli.Context) error {
			if err := flags.InitConfig(flagSet)(c); err != nil {
				return err
			}

			// Set up logger.
			logging.Debug(c.Bool("debug"))
			logger = log.With().Str("service", "liveview").Str("command", "camera").Logger()
			ctx = logger.WithContext(ctx)

			if mqttConfigOptions.Server != "" {
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

			cameraConfigOptions.ICEServers = c.StringSlice("webrtc.ice_server")
			cameraConfigOptions.Hook.Command = c.StringSlice("hook.command")
			cam, err := camera.New(ctx, cameraConfigOptions)
			if err != nil {
				return err
			}
			return cam.Run(ctx)
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

func cameraFlags(options *camera.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "camera.id",
			Usage:       "Target identity viewers ask for",
			Value:       "camera",
			DefaultText: "camera",
			Destination: &options.ID,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "camera.max_peers",
			Usage:       "Maximum connected viewers, 0 for no limit",
			Value:       0,
			DefaultText: "0",
			Destination: &options.MaxPeers,
		}),
	}
}

func webRTCFlags(options *camera.WebRTCConfigOptions) []cli.Flag {
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
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "webrtc.gather_timeout",
			Usage:       "Time to wait for ICE candidates before answering, 0 waits for all",
			Value:       5 * time.Second,
			DefaultText: "5s",
			Destination: &options.GatherTimeout,
		}),
	}
}

func streamFlags(options *camera.StreamSource) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "stream.protocol",
			Usage:       "Protocol of stream source, rtp, rtsp or rtmp",
			Value:       "rtp",
			DefaultText: "rtp",
			Destination: &options.Protocol,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "stream.host",
			Usage:       "Host of RTP server",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "stream.port",
			Usage:       "Port of RTP server",
			Value:       5004,
			DefaultText: "5004",
			Destination: &options.Port,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "stream.addr",
			Usage:       "Address of RTSP server",
			Value:       "",
			Destination: &options.Addr,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "stream.listen",
			Usage:       "Listen address of RTMP server",
			Value:       "0.0.0.0:1935",
			DefaultText: "0.0.0.0:1935",
			Destination: &options.Listen,
		}),
	}
}

func webSocketFlags(options *camera.WebSocketConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "websocket.host",
			Usage:       "Host of WebSocket signaling server",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "websocket.port",
			Usage:       "Port of WebSocket signaling server, 0 disables it",
			Value:       8081,
			DefaultText: "8081",
			Destination: &options.Port,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "websocket.path",
			Usage:       "Path of WebSocket signaling endpoint",
			Value:       "/signal",
			DefaultText: "/signal",
			Destination: &options.Path,
		}),
	}
}

func hookFlags(options *camera.HookConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  "hook.command",
			Usage: "Command run when the first viewer asks for the stream, e.g. systemctl restart source",
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "hook.wait",
			Usage:       "Delay before running the hook command",
			Value:       0,
			DefaultText: "0s",
			Destination: &options.Wait,
		}),
	}
}
