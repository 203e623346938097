package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/block/reshard/pkg/buildinfo"
	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/server"
	"github.com/block/reshard/pkg/worker"
)

var (
	version string
	commit  string
	date    string
)

type Globals struct {
	Config string `help:"Path to the server YAML configuration file. Defaults to an in-memory repository." type:"existingfile" short:"c"`
}

func (g *Globals) load() (*config.ServerConfig, *slog.Logger, error) {
	cfg := &config.ServerConfig{}
	if g.Config != "" {
		loaded, err := config.LoadServerConfig(g.Config)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := server.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (g *Globals) open(ctx context.Context) (*server.Server, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	return server.New(ctx, cfg, logger, nil)
}

type RunCmd struct {
	Events          []string `help:"Topology change event files to submit on start." name:"event"`
	FinishOnCutover bool     `help:"Finish a job as soon as its data is consistent." name:"finish-on-cutover"`
}

func (c *RunCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	logger.Info("starting reshard", "build", buildinfo.Get())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := server.New(ctx, cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer s.Close()

	changes := make(chan worker.TopologyChangeEvent, len(c.Events))
	for _, path := range c.Events {
		event, err := worker.LoadEvent(path)
		if err != nil {
			return err
		}
		changes <- *event
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ready := <-s.CutoverReady:
				logger.Info("job is ready for cutover", "job-id", ready.JobID, "database", ready.DatabaseName, "consistent", ready.Consistent)
				if !c.FinishOnCutover || !ready.Consistent {
					continue
				}
				if err := s.API.Finish(ctx, ready.JobID); err != nil {
					logger.Error("could not finish job", "job-id", ready.JobID, "error", err)
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Run(ctx, changes)
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Info("received signal, shutting down gracefully", "signal", sig)
		cancel()
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	}
}

type SubmitCmd struct {
	Event  string `arg:"" help:"Topology change event file." type:"existingfile"`
	DryRun bool   `help:"Print the job configuration without persisting it."`
}

func (c *SubmitCmd) Run(g *Globals) error {
	event, err := worker.LoadEvent(c.Event)
	if err != nil {
		return err
	}
	job, err := worker.BuildJobConfiguration(event)
	if err != nil {
		return err
	}
	text, err := config.MarshalJobConfiguration(job)
	if err != nil {
		return err
	}
	fmt.Print(text)
	if c.DryRun {
		return nil
	}
	ctx := context.Background()
	s, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Governance.PersistJobConfiguration(ctx, job); err != nil {
		return err
	}
	// Stays disabled until a running process is told to start it.
	return s.Governance.SetJobDisabled(ctx, job.JobID, true)
}

type ListCmd struct{}

func (c *ListCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	infos, err := s.API.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tDATABASE\tTABLES\tSHARDING ITEMS\tDISABLED\tCOMPLETED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%t\t%t\n", info.JobID, info.DatabaseName, info.Tables, info.ShardingTotalCount, info.Disabled, info.Completed)
	}
	return w.Flush()
}

type ProgressCmd struct {
	JobID string `arg:"" help:"Job id."`
}

func (c *ProgressCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	progresses, err := s.API.Progress(ctx, c.JobID)
	if err != nil {
		return err
	}
	for item, p := range progresses {
		fmt.Printf("# sharding item %d\n", item)
		if p == nil {
			fmt.Println("not started")
			continue
		}
		data, err := progress.Marshal(p)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}

type CheckCmd struct {
	JobID string `arg:"" help:"Job id."`
}

func (c *CheckCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	results, err := s.API.CheckConsistency(ctx, c.JobID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSOURCE COUNT\tTARGET COUNT\tCOUNT MATCHED\tCONTENT MATCHED")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%t\t%t\n", r.LogicTable, r.SourceCount, r.TargetCount, r.CountMatched, r.ContentMatched)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, r := range results {
		if !r.Matched() {
			return errors.New("source and target are not consistent")
		}
	}
	return nil
}

type StopCmd struct {
	JobID string `arg:"" help:"Job id."`
}

func (c *StopCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.API.Stop(ctx, c.JobID)
}

type EnableCmd struct {
	JobID string `arg:"" help:"Job id."`
}

func (c *EnableCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Governance.SetJobDisabled(ctx, c.JobID, false)
}

type RemoveCmd struct {
	JobID string `arg:"" help:"Job id."`
}

func (c *RemoveCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.API.Remove(ctx, c.JobID)
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(buildinfo.Get().String())
	return nil
}

var cli struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Run resharding jobs until interrupted."`
	Submit   SubmitCmd   `cmd:"" help:"Build the job of a topology change and store it disabled."`
	List     ListCmd     `cmd:"" help:"List the stored jobs."`
	Progress ProgressCmd `cmd:"" help:"Show the progress of a job."`
	Check    CheckCmd    `cmd:"" help:"Compare the source and target data of a job."`
	Stop     StopCmd     `cmd:"" help:"Disable a job so no process resumes it."`
	Enable   EnableCmd   `cmd:"" help:"Allow a stopped job to be resumed by the next process start."`
	Remove   RemoveCmd   `cmd:"" help:"Delete a job and its progress."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

func main() {
	buildinfo.Set(version, commit, date)
	ctx := kong.Parse(&cli,
		kong.Name("reshard"),
		kong.Description("reshard: online resharding of MySQL tables"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
