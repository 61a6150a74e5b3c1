package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chinotype/adapters/chi2http"
	"chinotype/adapters/postgres"
	"chinotype/app"
	"chinotype/domain/chi2"
	"chinotype/internal/config"
	"chinotype/internal/errors"
	"chinotype/internal/logging"
	"chinotype/internal/migration"
	"chinotype/internal/render"
)

// significance is the alpha used for the summary line
const significance = 0.05

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "chi2",
		Short:         "Chi-squared concept comparison between patient sets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newSubmitCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Log), nil
}

func connect(ctx context.Context, cfg *config.Config, url string) (*sqlx.DB, error) {
	if url == "" {
		url = cfg.Database.URL
	}
	if url == "" {
		return nil, errors.ConfigInvalid("DATABASE_URL or --db is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return db, nil
}

func newRunCmd() *cobra.Command {
	var (
		psid, test, ref int64
		limit, cutoff   int
		concepts        string
		extant          bool
		output          string
		dbURL, schema   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compare a patient set against the population (-p) or another set (-t/-r)",
		Example: `  chi2 run -p 1234 -n 20
  chi2 run -t 1234 -r 5678 --cutoff 5 -o chi2.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := chi2.Params{
				PageSize: limit,
				Cutoff:   cutoff,
				Concepts: concepts,
				Extant:   extant,
			}
			switch {
			case psid > 0 && test == 0 && ref == 0:
				params.PatientSet1 = chi2.UnsetPatientSet
				params.PatientSet2 = fmt.Sprint(psid)
			case psid == 0 && test > 0 && ref > 0:
				params.PatientSet1 = fmt.Sprint(ref)
				params.PatientSet2 = fmt.Sprint(test)
			default:
				return errors.InvalidInput("give either -p PSID or both -t PSID and -r PSID")
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.Database.Schema
			}

			ctx := cmd.Context()
			db, err := connect(ctx, cfg, dbURL)
			if err != nil {
				return err
			}
			defer db.Close()

			store := postgres.NewCohortStore(db, schema)
			service := app.NewChi2Service(store, 1, log)

			start := time.Now()
			result, err := service.Run(ctx, params)
			if err != nil {
				return err
			}
			log.Debug().Dur("elapsed", time.Since(start)).Msg("comparison finished")

			return report(cmd, result, output)
		},
	}

	cmd.Flags().Int64VarP(&psid, "psid", "p", 0, "patient set compared against the whole population")
	cmd.Flags().Int64VarP(&test, "test", "t", 0, "test patient set")
	cmd.Flags().Int64VarP(&ref, "ref", "r", 0, "reference patient set")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "concepts to keep per direction (0 keeps all)")
	cmd.Flags().IntVar(&cutoff, "cutoff", 0, "minimum combined patient count per concept")
	cmd.Flags().StringVar(&concepts, "concepts", chi2.All, "concept code prefix, e.g. ICD9:")
	cmd.Flags().BoolVar(&extant, "extant", false, "reuse previously counted cohorts and accept any result type")
	cmd.Flags().StringVarP(&output, "output", "o", "", "also write the table to a .csv or .xlsx file")
	cmd.Flags().StringVar(&dbURL, "db", "", "database URL (defaults to DATABASE_URL)")
	cmd.Flags().StringVar(&schema, "schema", "", "clinical data schema (defaults to CHI_SCHEMA)")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		url            string
		set1, set2     string
		user, password string
		limit, cutoff  int
		concepts       string
		timeout        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Post a comparison to a running chi2 backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := chi2http.New(chi2http.Config{URL: url, Timeout: timeout}, logging.Nop())
			reply := client.Do(cmd.Context(), chi2.Params{
				PatientSet1: set1,
				PatientSet2: set2,
				PageSize:    limit,
				Cutoff:      cutoff,
				Concepts:    concepts,
				Username:    user,
				Password:    password,
			})
			if !reply.OK() {
				if reply.Raw != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), reply.Raw)
				}
				return reply.Err
			}
			return report(cmd, reply.Result, "")
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8081/cgi-bin/chi2.cgi", "backend endpoint")
	cmd.Flags().StringVarP(&set1, "set1", "1", chi2.UnsetPatientSet, "reference patient set (0 for the population)")
	cmd.Flags().StringVarP(&set2, "set2", "2", chi2.UnsetPatientSet, "test patient set")
	cmd.Flags().StringVarP(&user, "user", "u", os.Getenv("CHI2_USERNAME"), "account name")
	cmd.Flags().StringVar(&password, "password", os.Getenv("CHI2_PASSWORD"), "account password or session key")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "concepts to keep per direction (0 keeps all)")
	cmd.Flags().IntVar(&cutoff, "cutoff", 10, "minimum combined patient count per concept")
	cmd.Flags().StringVar(&concepts, "concepts", chi2.All, "concept code prefix")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout (0 waits forever)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var dbURL, schema string
	var refresh bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the chi count tables, optionally reloading concepts from the fact table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.Database.Schema
			}

			ctx := cmd.Context()
			db, err := connect(ctx, cfg, dbURL)
			if err != nil {
				return err
			}
			defer db.Close()

			runner := migration.NewRunner()
			if err := runner.Run(ctx, db); err != nil {
				return errors.Wrap(err, "database migration failed")
			}
			log.Info().Str("version", runner.Version()).Msg("chi tables ready")

			if refresh {
				start := time.Now()
				if err := postgres.NewCohortStore(db, schema).RebuildConcepts(ctx); err != nil {
					return err
				}
				log.Info().Dur("elapsed", time.Since(start)).Msg("concepts reloaded")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbURL, "db", "", "database URL (defaults to DATABASE_URL)")
	cmd.Flags().StringVar(&schema, "schema", "", "clinical data schema (defaults to CHI_SCHEMA)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload patient concepts and drop counted cohorts")
	return cmd
}

// report prints the table and a significance summary, and writes the
// optional export file
func report(cmd *cobra.Command, result *chi2.Result, output string) error {
	out := cmd.OutOrStdout()
	if len(result.Rows) == 0 {
		fmt.Fprintln(out, result.Status)
		return nil
	}

	if err := render.WriteText(out, render.BuildTable(result, render.Names{})); err != nil {
		return err
	}
	if line, ok := render.Stats(result); ok {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "%d concepts significant at p<%.2f\n", app.CountSignificant(result, significance), significance)

	if output == "" {
		return nil
	}
	f, err := os.Create(output)
	if err != nil {
		return errors.Wrap(err, "failed to create output file")
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(output)) {
	case ".xlsx":
		err = render.WriteXLSX(f, result, render.Names{})
	case ".csv":
		err = render.WriteCSV(f, result, render.Names{})
	default:
		return errors.InvalidInput("output must end in .csv or .xlsx")
	}
	if err != nil {
		return errors.Wrap(err, "failed to write output")
	}
	fmt.Fprintf(out, "wrote %s\n", output)
	return nil
}
