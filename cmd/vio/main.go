// Package main is the vio command line tool. It runs synthetic visual-inertial sessions, detects
// tags in images, renders markers and integrates phone inertial logs.
package main

import (
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/vio"
)

const (
	// Flags.
	flagConfig     = "config"
	flagDebug      = "debug"
	flagTagSize    = "tag-size"
	flagDuration   = "duration"
	flagFPS        = "fps"
	flagMotion     = "motion"
	flagSeed       = "seed"
	flagPlot       = "plot"
	flagSnapshot   = "snapshot"
	flagOverlay    = "overlay"
	flagDictionary = "dictionary"
	flagCellPixels = "cell-px"
	flagQuietCells = "quiet-cells"
	flagOutput     = "output"
	flagHost       = "host"
	flagLogFile    = "log-file"
)

// runner carries the state shared by every command.
type runner struct {
	logger  logging.Logger
	logFile io.Closer
}

// loadConfig reads the config file if one was given, else returns the defaults with the tag size
// from the command line.
func (r *runner) loadConfig(c *cli.Context) (*vio.Config, error) {
	if path := c.String(flagConfig); path != "" {
		return vio.ReadConfig(path)
	}
	cfg := vio.DefaultConfig()
	cfg.Tags.SideLength = c.Float64(flagTagSize)
	return cfg, nil
}

func newApp(out, errOut io.Writer) *cli.App {
	r := &runner{}
	return &cli.App{
		Name:            "vio",
		Usage:           "tag-aided visual-inertial odometry",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.Float64Flag{
				Name:  flagTagSize,
				Value: 0.3,
				Usage: "tag border side length in meters when no config is given",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write JSON logs to a rotating `FILE`",
			},
		},
		Before: func(c *cli.Context) error {
			level := logging.INFO
			if c.Bool(flagDebug) {
				level = logging.DEBUG
			}
			switch path := c.String(flagLogFile); {
			case path != "":
				r.logger, r.logFile = logging.NewLoggerWithFile("vio", level, path)
			case level == logging.DEBUG:
				r.logger = logging.NewDebugLogger("vio")
			default:
				r.logger = logging.NewLogger("vio")
			}
			logging.ReplaceGlobal(r.logger)
			return nil
		},
		After: func(c *cli.Context) error {
			if r.logger != nil {
				utils.UncheckedError(r.logger.Sync())
			}
			if r.logFile != nil {
				return r.logFile.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "simulate",
				Usage: "run a synthetic session of rendered tag frames and simulated inertial samples",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  flagDuration,
						Value: defaultSimDuration,
						Usage: "length of the session",
					},
					&cli.Float64Flag{
						Name:  flagFPS,
						Value: 30,
						Usage: "camera frame rate",
					},
					&cli.StringFlag{
						Name:  flagMotion,
						Value: "circular",
						Usage: "body motion: stationary, linear or circular",
					},
					&cli.Int64Flag{
						Name:  flagSeed,
						Value: 1,
						Usage: "inertial noise seed",
					},
					&cli.StringFlag{
						Name:  flagPlot,
						Usage: "draw the true and estimated trajectories to `FILE`",
					},
					&cli.StringFlag{
						Name:  flagSnapshot,
						Usage: "save the final filter state to `FILE`",
					},
				},
				Action: r.simulateAction,
			},
			{
				Name:      "detect",
				Usage:     "detect tags in an image and estimate their poses",
				ArgsUsage: "<image>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagOverlay,
						Usage: "write the image with detections drawn to `FILE`",
					},
				},
				Action: r.detectAction,
			},
			{
				Name:      "marker",
				Usage:     "render a printable marker",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagDictionary,
						Value: "4x4_50",
						Usage: "marker dictionary",
					},
					&cli.IntFlag{
						Name:  flagCellPixels,
						Value: 40,
						Usage: "pixels per marker cell",
					},
					&cli.IntFlag{
						Name:  flagQuietCells,
						Value: 1,
						Usage: "cells of white margin around the marker",
					},
					&cli.StringFlag{
						Name:     flagOutput,
						Aliases:  []string{"o"},
						Required: true,
						Usage:    "write the marker to `FILE`",
					},
				},
				Action: r.markerAction,
			},
			{
				Name:      "imu",
				Usage:     "pre-integrate a phone inertial log from a level start at rest",
				ArgsUsage: "[log file]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagHost,
						Usage: "stream from a phone at `HOST:PORT` instead of a file",
					},
				},
				Action: r.imuAction,
			},
		},
	}
}

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
