package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"planner/internal/database"
	"planner/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ImportFile is a batch of mutations to enqueue, e.g. recovered from a
// dead-letter dump.
type ImportFile struct {
	Mutations []ImportMutation `yaml:"mutations"`
}

type ImportMutation struct {
	Type     models.MutationType `yaml:"type"`
	Resource string              `yaml:"resource"`
	Payload  map[string]any      `yaml:"payload"`
}

const usage = `usage: queuectl [-db path] <command> [args]

commands:
  status              queue counts and last sync time
  failed              list mutations parked after exhausting retries
  requeue <id>...     move failed mutations back to pending
  import <file.yaml>  enqueue mutations from a YAML file
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("queuectl", flag.ContinueOnError)
	dbPath := fs.String("db", "./data/planner.db", "path to sqlite db")
	verbose := fs.Bool("v", false, "log store activity")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "status":
		return status(ctx, db, out)
	case "failed":
		return failed(ctx, db, out)
	case "requeue":
		return requeue(ctx, db, rest, out)
	case "import":
		if len(rest) != 1 {
			return errors.New("import needs exactly one file")
		}
		return importFile(ctx, db, rest[0], out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func status(ctx context.Context, db *database.DB, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, st := range []models.MutationStatus{models.StatusPending, models.StatusInFlight, models.StatusFailed} {
		n, err := db.CountMutations(ctx, st)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\n", st, n)
	}
	last := db.LastSyncAt(ctx, models.SyncDomainMutations)
	lastStr := "never"
	if !last.IsZero() {
		lastStr = last.Local().Format(time.RFC3339)
	}
	fmt.Fprintf(tw, "last sync\t%s\n", lastStr)
	return tw.Flush()
}

func failed(ctx context.Context, db *database.DB, out io.Writer) error {
	mutations, err := db.GetFailedMutations(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tRESOURCE\tENQUEUED\tRETRIES\tLAST ERROR")
	for _, m := range mutations {
		lastErr := ""
		if m.LastError != nil {
			lastErr = *m.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID, m.Type, m.Resource, m.EnqueuedAt.Local().Format(time.RFC3339), m.RetryCount, lastErr)
	}
	return tw.Flush()
}

func requeue(ctx context.Context, db *database.DB, ids []string, out io.Writer) error {
	if len(ids) == 0 {
		return errors.New("requeue needs at least one id")
	}
	for _, id := range ids {
		if err := db.RequeueMutation(ctx, id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("%s: not a failed mutation", id)
			}
			return fmt.Errorf("requeue %s: %w", id, err)
		}
		fmt.Fprintf(out, "requeued %s\n", id)
	}
	return nil
}

func importFile(ctx context.Context, db *database.DB, path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}
	var file ImportFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse import file: %w", err)
	}
	if len(file.Mutations) == 0 {
		return fmt.Errorf("no mutations in yaml")
	}

	enqueued := 0
	for i, im := range file.Mutations {
		if !im.Type.Valid() || im.Resource == "" {
			return fmt.Errorf("mutation %d: type and resource are required", i)
		}
		payload, err := json.Marshal(im.Payload)
		if err != nil {
			return fmt.Errorf("mutation %d: encode payload: %w", i, err)
		}
		m := &models.QueuedMutation{
			ID:       uuid.NewString(),
			Type:     im.Type,
			Resource: im.Resource,
			Payload:  payload,
		}
		if err := db.EnqueueMutation(ctx, m); err != nil {
			return fmt.Errorf("mutation %d: %w", i, err)
		}
		enqueued++
	}

	fmt.Fprintf(out, "done: enqueued=%d\n", enqueued)
	return nil
}
