package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	devicelab "github.com/httprunner/DeviceLab"
	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/device"
	"github.com/httprunner/DeviceLab/pkg/devrecorder"
	"github.com/httprunner/DeviceLab/pkg/result"
	"github.com/httprunner/DeviceLab/pkg/storage"
	"github.com/httprunner/DeviceLab/providers/adb"
)

func newRunCmd() *cobra.Command {
	var (
		flagName     string
		flagCommands []string
		flagSetup    []string
		flagTeardown []string
		flagTimeout  time.Duration
		flagShards   int
		flagLoop     bool
		flagResume   bool
		flagRetry    bool
		flagSerials  []string
		flagProducts []string
		flagBuildID  string
		flagBranch   string
		flagFlavor   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute shell test commands on pooled devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(flagCommands) == 0 {
				return errors.New("at least one --command is required")
			}
			ctx := cmd.Context()

			recorder, err := devrecorder.NewFromEnv()
			if err != nil {
				return err
			}
			allocCfg := device.DefaultAllocatorConfig()
			allocCfg.Recorder = recorder
			alloc := device.NewAllocator(allocCfg)
			if err := alloc.Start(ctx); err != nil {
				return err
			}
			defer alloc.Stop()

			discovery, err := adb.NewDiscovery(alloc)
			if err != nil {
				return err
			}
			go func() {
				if derr := discovery.Run(ctx); derr != nil && ctx.Err() == nil {
					log.Error().Err(derr).Msg("adb discovery stopped")
				}
			}()

			journal, err := storage.NewJournal(uuid.NewString())
			if err != nil {
				return err
			}
			defer func() {
				_ = journal.Close()
			}()

			sched := devicelab.NewLocalScheduler(ctx, alloc)
			buildConfig := func() *devicelab.Config {
				return &devicelab.Config{
					Build: &devicelab.StaticBuildProvider{
						Info: &build.Info{
							ID:     flagBuildID,
							Branch: flagBranch,
							Flavor: flagFlavor,
						},
						OneShot: true,
					},
					Preparers: []devicelab.TargetPreparer{
						&devicelab.WaitPreparer{},
						&devicelab.ShellPreparer{
							SetupCommands:    flagSetup,
							TeardownCommands: flagTeardown,
							Timeout:          flagTimeout,
						},
					},
					Tests: []devicelab.TestUnit{
						&devicelab.ShellTest{
							Name:     flagName,
							Commands: flagCommands,
							Timeout:  flagTimeout,
							Shards:   flagShards,
							Resume:   flagResume,
							Retry:    flagRetry,
						},
					},
					Listeners: []result.Listener{newConsoleListener(), journal},
					Selector: &device.Selector{
						SerialAllow: flagSerials,
						Products:    flagProducts,
					},
					Options: devicelab.Options{
						ShardCount: flagShards,
						LoopMode:   flagLoop,
					},
				}
			}

			for {
				cfg := buildConfig()
				sched.SetCommand(cfg)
				if !sched.ScheduleConfig(cfg) {
					return errors.New("scheduler rejected the command")
				}
				if err := sched.Wait(); err != nil {
					return err
				}
				if !flagLoop || ctx.Err() != nil {
					return ctx.Err()
				}
			}
		},
	}

	cmd.Flags().StringVar(&flagName, "name", "shell", "Test run name used in reports")
	cmd.Flags().StringArrayVar(&flagCommands, "command", nil, "Shell command to run as one test case (repeatable)")
	cmd.Flags().StringArrayVar(&flagSetup, "setup", nil, "Shell command to run before tests (repeatable)")
	cmd.Flags().StringArrayVar(&flagTeardown, "teardown", nil, "Shell command to run after tests (repeatable)")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "Per-command timeout (default from DEVICELAB_COMMAND_TIMEOUT)")
	cmd.Flags().IntVar(&flagShards, "shards", 0, "Split commands across up to this many devices")
	cmd.Flags().BoolVar(&flagLoop, "loop", false, "Re-run the command continuously")
	cmd.Flags().BoolVar(&flagResume, "resume", false, "Continue on a fresh device if the current one dies")
	cmd.Flags().BoolVar(&flagRetry, "retry", false, "Restart the whole command once after a test failure")
	cmd.Flags().StringSliceVar(&flagSerials, "serial", nil, "Only allocate the listed device serials")
	cmd.Flags().StringSliceVar(&flagProducts, "product", nil, "Only allocate devices of the listed products")
	cmd.Flags().StringVar(&flagBuildID, "build-id", "local", "Build identifier attached to reports")
	cmd.Flags().StringVar(&flagBranch, "branch", "", "Build branch attached to reports")
	cmd.Flags().StringVar(&flagFlavor, "flavor", "", "Build flavor attached to reports")

	return cmd
}
