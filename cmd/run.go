package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/collector"
	"github.com/sells-group/tender-monitor/internal/dedup"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
	"github.com/sells-group/tender-monitor/internal/pipeline"
	"github.com/sells-group/tender-monitor/internal/progress"
)

// collectorAttempts bounds AI retries inside the web collectors.
const collectorAttempts = 3

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring pipeline",
	Long:  "Collects from every enabled source, classifies new records and prints the relevant, still-open opportunities as JSON. An interrupted run resumes from its checkpoint.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(); err != nil {
			return err
		}

		noResume, _ := cmd.Flags().GetBool("no-resume")
		output, _ := cmd.Flags().GetString("output")
		excludePath, _ := cmd.Flags().GetString("exclude")

		exclude, err := loadExclude(excludePath)
		if err != nil {
			return err
		}

		p, cleanup, err := buildPipeline(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := p.Run(ctx, pipeline.RunOptions{NoResume: noResume, Exclude: exclude})
		if err != nil {
			var runErr *pipeline.RunError
			if errors.As(err, &runErr) && runErr.State == model.StateCancelled {
				zap.L().Warn("run interrupted, checkpoint kept for resume", zap.String("run", runErr.RunName))
			}
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("monitoring complete",
			zap.String("run", result.RunName),
			zap.Int("relevant", result.Relevant),
			zap.Int("final", len(result.Items)),
		)
		return writeResult(output, result)
	},
}

func init() {
	runCmd.Flags().Bool("no-resume", false, "start a fresh run even if an unfinished checkpoint exists")
	runCmd.Flags().StringP("output", "o", "", "write the result JSON to this file instead of stdout")
	runCmd.Flags().String("exclude", "", "file of URLs to skip, one per line (e.g. items already on the agenda)")
	rootCmd.AddCommand(runCmd)
}

// buildPipeline wires the pipeline from cfg. cleanup releases the stores.
func buildPipeline(ctx context.Context) (*pipeline.Pipeline, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	f := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:         cfg.Fetch.UserAgent,
		Timeout:           time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:        cfg.Fetch.MaxRetries,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		MaxBodyBytes:      int64(cfg.Fetch.MaxBodyMB) << 20,
		CacheTTL:          time.Duration(cfg.Fetch.CacheTTLMinutes) * time.Minute,
		RespectRobots:     cfg.Fetch.RespectRobots,
	})

	base, err := ai.NewGenerator(cfg)
	if err != nil {
		return nil, cleanup, err
	}
	breaker := ai.NewBreaker(cfg.AI)
	// Classifier and enricher run their own retry loops.
	single := ai.NewResilient(base, ai.RetryPolicy(cfg.AI, 1), breaker)
	retrying := ai.NewResilient(base, ai.RetryPolicy(cfg.AI, collectorAttempts), breaker)

	collectors, err := collector.DefaultRegistry().Build(collector.Deps{
		Config:    cfg,
		Fetcher:   f,
		Generator: retrying,
		Searcher:  ai.NewSearcher(cfg),
	}, collector.Enabled(cfg.Collectors))
	if err != nil {
		return nil, cleanup, err
	}

	backend, err := initBackend(ctx)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { backend.Close() }) //nolint:errcheck

	history, err := initStore(ctx)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	if history != nil {
		closers = append(closers, func() { history.Close() }) //nolint:errcheck
	}

	p, err := pipeline.New(cfg, pipeline.Deps{
		Collectors: collectors,
		Classifier: pipeline.NewClassifier(single, cfg),
		Enricher:   pipeline.NewDateEnricher(single, f, cfg),
		Backend:    backend,
		History:    history,
		Tracker:    progress.NewLog(zap.L()),
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return p, cleanup, nil
}

// loadExclude reads a URL list. Blank lines and lines starting with # are
// ignored.
func loadExclude(path string) (map[string]struct{}, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open exclude file")
	}
	defer file.Close() //nolint:errcheck
	return parseExclude(file)
}

func parseExclude(r io.Reader) (map[string]struct{}, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "read exclude file")
	}
	return dedup.URLSet(urls), nil
}

func writeResult(path string, result *pipeline.Result) error {
	var w io.Writer = os.Stdout
	if path != "" {
		file, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "create output file")
		}
		defer file.Close() //nolint:errcheck
		w = file
	}
	return encodeResult(w, result)
}

func encodeResult(w io.Writer, result *pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(result), "encode result")
}
