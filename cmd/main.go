package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/SB-IM/liveview/cmd/camera"
	"github.com/SB-IM/liveview/cmd/internal/build"
	"github.com/SB-IM/liveview/cmd/turn"
	"github.com/SB-IM/liveview/cmd/view"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("liveview failed")
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "liveview",
		Usage: "liveview opens live WebRTC streams from remote cameras",
		Flags: []cli.Flag{ // Global flags.
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "enable debug mod",
				DefaultText: "false",
				EnvVars:     []string{"DEBUG"},
			},
		},
		Commands: []*cli.Command{
			view.Command(),
			camera.Command(),
			turn.Command(),
			build.Command(),
		},
	}

	return app.Run(args)
}
