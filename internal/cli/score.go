package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudguard/internal/cache"
	"github.com/mbd888/fraudguard/internal/history"
	"github.com/mbd888/fraudguard/internal/kvstore"
	"github.com/mbd888/fraudguard/internal/model"
	"github.com/mbd888/fraudguard/internal/pipeline"
	"github.com/mbd888/fraudguard/internal/threat"
	"github.com/mbd888/fraudguard/internal/txn"
)

// scoreError replaces a result line when scoring fails.
type scoreError struct {
	TransactionID string `json:"transaction_id"`
	Error         string `json:"error"`
}

func newScoreCmd(opts *options) *cobra.Command {
	var weightsPath, historyPath string

	cmd := &cobra.Command{
		Use:   "score [FILE]",
		Short: "Score transactions from a JSON file (or stdin) offline",
		Long: "Reads a transaction object or an array of them and prints one JSON " +
			"result per line. Scoring runs in-process on in-memory stores.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWeights(weightsPath)
			if err != nil {
				return err
			}
			m, err := model.New(ws)
			if err != nil {
				return err
			}

			hist := history.NewMemoryStore()
			if historyPath != "" {
				if err := loadHistory(cmd, hist, historyPath); err != nil {
					return err
				}
			}

			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			reqs, err := decodeRequests(data)
			if err != nil {
				return err
			}

			svc := pipeline.NewService(m,
				cache.New(kvstore.NewMemoryStore(), cache.Options{}, opts.logger),
				hist,
				threat.NewScorer(threat.NewMemoryStore()),
				opts.logger,
			)

			enc := json.NewEncoder(cmd.OutOrStdout())
			var failed int
			for _, req := range reqs {
				var line any
				res, err := svc.Score(cmd.Context(), pipeline.Caller{}, req)
				if err != nil {
					failed++
					line = scoreError{TransactionID: req.TransactionID, Error: err.Error()}
				} else {
					line = res
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d transactions failed", failed, len(reqs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&weightsPath, "weights", "w", "", "Weight set YAML (compiled default when empty)")
	cmd.Flags().StringVar(&historyPath, "history", "", "JSON array of user history records to seed")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

// decodeRequests accepts a single object or an array.
func decodeRequests(data []byte) ([]txn.Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no transactions in input")
	}
	if data[0] == '[' {
		var reqs []txn.Request
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("decode transactions: %w", err)
		}
		return reqs, nil
	}
	var req txn.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return []txn.Request{req}, nil
}

func loadHistory(cmd *cobra.Command, store history.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	var records []txn.UserHistory
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	for i := range records {
		if err := history.Validate(&records[i]); err != nil {
			return fmt.Errorf("history record %d: %w", i, err)
		}
		if err := store.Upsert(cmd.Context(), &records[i]); err != nil {
			return err
		}
	}
	return nil
}
