// Package flags holds the flag groups shared by liveview commands.
package flags

import (
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/SB-IM/liveview/internal/signal"
	"github.com/SB-IM/liveview/pkg/mqttclient"
)

// ConfigFlagName names the flag pointing at the TOML config file.
const ConfigFlagName = "config"

// Merge concatenates flag groups.
func Merge(groups ...[]cli.Flag) (flags []cli.Flag) {
	for _, v := range groups {
		flags = append(flags, v...)
	}
	return
}

// LoadConfig sets a config file path for app command.
// Note: you can't set any other flags' `Required` value to `true`,
// As it conflicts with this flag. You can set only either this flag or specifically the other flags but not both.
func LoadConfig() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        ConfigFlagName,
			Aliases:     []string{"c"},
			Usage:       "Config file path",
			Value:       "config/config.toml",
			DefaultText: "config/config.toml",
		},
	}
}

// InitConfig fills altsrc flags from the config file.
func InitConfig(flags []cli.Flag) cli.BeforeFunc {
	return altsrc.InitInputSourceWithContext(flags, altsrc.NewTomlSourceFromFlagFunc(ConfigFlagName))
}

// MQTT binds the broker connection flags.
func MQTT(options *mqttclient.ConfigOptions, clientID string) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.server",
			Usage:       "MQTT server address",
			Value:       "tcp://mosquitto:1883",
			DefaultText: "tcp://mosquitto:1883",
			Destination: &options.Server,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.clientID",
			Usage:       "MQTT client id",
			Value:       clientID,
			DefaultText: clientID,
			Destination: &options.ClientID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.username",
			Usage:       "MQTT broker username",
			Value:       "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.password",
			Usage:       "MQTT broker password",
			Value:       "",
			Destination: &options.Password,
		}),
	}
}

// MQTTSignal binds the signaling topic flags.
func MQTTSignal(options *signal.MQTTConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt_client.topic_offer_prefix",
			Usage:       "MQTT topic prefix for WebRTC SDP offer signaling",
			Value:       "/liveview/signal/offer",
			DefaultText: "/liveview/signal/offer",
			Destination: &options.OfferTopicPrefix,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt_client.topic_answer_prefix",
			Usage:       "MQTT topic prefix for WebRTC SDP answer signaling",
			Value:       "/liveview/signal/answer",
			DefaultText: "/liveview/signal/answer",
			Destination: &options.AnswerTopicPrefix,
		}),
		altsrc.NewUintFlag(&cli.UintFlag{
			Name:        "mqtt_client.qos",
			Usage:       "MQTT client qos for WebRTC SDP signaling",
			Value:       0,
			DefaultText: "0",
			Destination: &options.Qos,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "mqtt_client.retained",
			Usage:       "Retain published offers",
			Value:       false,
			DefaultText: "false",
			Destination: &options.Retained,
		}),
	}
}
