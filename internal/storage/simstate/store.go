// Package simstate persists the paper wallet used by the simulated swap submitter.
package simstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const defaultStateDir = "./wal/simulate"

// Store keeps simulator state in one JSON file so restarts keep balances.
type Store struct {
	path string
}

func getStateDir(dir string) string {
	if dir != "" {
		return dir
	}
	if stateDir := os.Getenv("DCA_SIMULATE_STATE_DIR"); stateDir != "" {
		return stateDir
	}
	return defaultStateDir
}

// NewStore creates a state store named after scope inside dir. An empty dir
// falls back to DCA_SIMULATE_STATE_DIR and then to ./wal/simulate.
func NewStore(dir, scope string) (*Store, error) {
	stateDir := getStateDir(dir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create simulate state dir")
	}

	name := sanitizeScope(scope)
	if name == "" {
		name = "wallet"
	}

	return &Store{path: filepath.Join(stateDir, fmt.Sprintf("%s.json", name))}, nil
}

// State is everything the simulator persists. Decimals are kept as strings.
type State struct {
	Wallet map[string]string `json:"wallet"`
	// Swaps maps a submission key to the hash it was given, so a resubmission
	// of the same attempt is not applied twice.
	Swaps     map[string]string `json:"swaps"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewState converts a wallet into its stored form.
func NewState(wallet map[string]decimal.Decimal, swaps map[string]string) State {
	stored := make(map[string]string, len(wallet))
	for currency, balance := range wallet {
		stored[currency] = balance.String()
	}

	return State{Wallet: stored, Swaps: swaps, UpdatedAt: time.Now().UTC()}
}

// Balances decodes the stored wallet.
func (s State) Balances() (map[string]decimal.Decimal, error) {
	wallet := make(map[string]decimal.Decimal, len(s.Wallet))
	for currency, balanceStr := range s.Wallet {
		if balanceStr == "" {
			wallet[currency] = decimal.Zero
			continue
		}
		parsed, err := decimal.NewFromString(balanceStr)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s balance", currency)
		}
		wallet[currency] = parsed
	}
	return wallet, nil
}

// Load reads simulator state from disk. A missing file is not an error.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read simulate state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode simulate state")
	}

	return &state, nil
}

// Save writes simulator state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode simulate state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write simulate state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist simulate state")
	}

	return nil
}

func sanitizeScope(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
