package main

import (
	"database/sql"
	"fmt"

	"golang.org/x/time/rate"

	"recurflow/internal/config"
	"recurflow/internal/domain"
	"recurflow/internal/generator"
	"recurflow/internal/notify"
	"recurflow/internal/recurrence"
	"recurflow/internal/scanner"
	"recurflow/internal/store"
)

// app is the wired set of components shared by serve and scan.
type app struct {
	db      *sql.DB
	repo    store.Repository
	clock   recurrence.Clock
	scanner *scanner.Scanner
}

func newApp(cfg config.Config) (*app, error) {
	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	repo := store.NewSQLiteRepo(db)

	loc, err := cfg.Location()
	if err != nil {
		db.Close()
		return nil, err
	}
	clock := recurrence.New(cfg.Scan.Hour, loc)

	reports, err := reportGenerator(cfg.Report, repo)
	if err != nil {
		db.Close()
		return nil, err
	}
	generators := map[domain.Kind]scanner.Generator{
		domain.KindReport: reports,
		domain.KindTask:   generator.TaskMaterializer{Store: repo},
	}

	sc := scanner.New(repo, generators, notifier(cfg.Notify, repo), scanner.Options{
		Clock:           clock,
		Workers:         cfg.Scan.Workers,
		GenerateTimeout: cfg.Scan.GenerateTimeout.Std(),
	})
	return &app{db: db, repo: repo, clock: clock, scanner: sc}, nil
}

func (a *app) Close() error { return a.db.Close() }

func reportGenerator(cfg config.ReportConfig, repo store.Repository) (scanner.Generator, error) {
	var g generator.Generator
	switch cfg.Builder {
	case "builtin", "":
		g = generator.Report{Store: repo}
	case "webhook":
		g = generator.Webhook{URL: cfg.URL, Headers: cfg.Headers}
	case "command":
		g = generator.Command{Command: cfg.Command[0], Args: cfg.Command[1:]}
	default:
		return nil, fmt.Errorf("unknown report builder %q", cfg.Builder)
	}
	return generator.NewRateLimited(g, cfg.RatePerSec), nil
}

func notifier(cfg config.NotifyConfig, repo store.Repository) scanner.Notifier {
	multi := notify.Multi{notify.Log{}}
	if cfg.Inbox {
		multi = append(multi, notify.Inbox{Store: repo})
	}
	if cfg.WebhookURL != "" {
		perSec := cfg.RatePerSec
		if perSec <= 0 {
			perSec = 1
		}
		multi = append(multi, notify.Webhook{
			URL:     cfg.WebhookURL,
			Limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		})
	}
	return multi
}
