package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/config"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultFile is where the wizard writes the generated config.
const DefaultFile = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers collects what the wizard asks.
type Answers struct {
	Platform  string
	Pairs     string
	Interval  string
	SwapMode  string
	Storage   string
	Balances  string
	ImpactBps string
	RPCURL    string
	ChainID   string
	Router    string
}

// RunTUI launches the terminal configuration wizard and returns the path of
// the written config.
func RunTUI() (string, error) {
	a := Answers{
		Platform:  config.PlatformBinance,
		Interval:  "30s",
		SwapMode:  config.SwapModeSimulate,
		Storage:   config.StorageWAL,
		Balances:  "USDT=1000",
		ImpactBps: "10",
	}
	var confirm bool

	step := func(title string) {
		fmt.Print("\033[H\033[2J")
		fmt.Println(headerStyle.Render("DCA KEEPER CONFIG WIZARD"))
		fmt.Println(stepStyle.Render(title))
	}

	// step 1: price source
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("DCA KEEPER CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Limit orders that swap themselves.\n"))
	fmt.Println(stepStyle.Render("STEP 1: PRICE SOURCE"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should prices come from?").
				Options(
					huh.NewOption("Binance", config.PlatformBinance),
					huh.NewOption("Bybit", config.PlatformBybit),
					huh.NewOption("Hyperliquid", config.PlatformHyperliquid),
				).
				Value(&a.Platform),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 2: PAIRS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Pairs").
				Description("Comma separated BASE_QUOTE (e.g. XFI_USDT,ETH_USDT)").
				Value(&a.Pairs).
				Validate(validatePairs),
			huh.NewInput().
				Title("Tick Interval").
				Description("Duration string (e.g. 30s, 1m)").
				Value(&a.Interval).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 3: EXECUTION")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("How should swaps be executed?").
				Options(
					huh.NewOption("Simulation (paper wallet)", config.SwapModeSimulate),
					huh.NewOption("EVM router (real transactions)", config.SwapModeEVM),
				).
				Value(&a.SwapMode),
		),
	).Run()
	if err != nil {
		return "", err
	}

	if a.SwapMode == config.SwapModeSimulate {
		step("STEP 4: PAPER WALLET")
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Starting Balances").
					Description("TOKEN=AMOUNT, comma separated (e.g. USDT=1000,XFI=500)").
					Value(&a.Balances).
					Validate(func(s string) error {
						_, err := parseBalances(s)
						return err
					}),
				huh.NewInput().
					Title("Price Impact (bps)").
					Description("Simulated execution cost, 0 to disable").
					Value(&a.ImpactBps),
			),
		).Run()
	} else {
		step("STEP 4: CHAIN")
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("RPC URL").
					Value(&a.RPCURL),
				huh.NewInput().
					Title("Chain ID").
					Value(&a.ChainID),
				huh.NewInput().
					Title("Router Address").
					Description("Uniswap V2 compatible router").
					Value(&a.Router).
					Validate(func(s string) error {
						if !common.IsHexAddress(s) {
							return fmt.Errorf("not a hex address")
						}
						return nil
					}),
			),
		).Run()
	}
	if err != nil {
		return "", err
	}

	step("STEP 5: STORAGE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where are orders stored?").
				Options(
					huh.NewOption("Local WAL (single instance)", config.StorageWAL),
					huh.NewOption("PostgreSQL (set DCA_DB_DSN)", config.StoragePostgres),
				).
				Value(&a.Storage),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Prices: %s\nPairs: %s\nInterval: %s\nExecution: %s\nStorage: %s\n",
		a.Platform, a.Pairs, a.Interval, a.SwapMode, a.Storage,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	data, err := Render(a)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(DefaultFile, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting keeper...", DefaultFile)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return DefaultFile, nil
}

// Render turns wizard answers into config yaml.
func Render(a Answers) ([]byte, error) {
	var tmp config.ConfigTmp
	tmp.Platform = a.Platform
	for _, p := range strings.Split(a.Pairs, ",") {
		if p = strings.TrimSpace(p); p != "" {
			tmp.Pairs = append(tmp.Pairs, strings.ToUpper(p))
		}
	}
	tmp.Scheduler.Interval = a.Interval
	tmp.Swap.Mode = a.SwapMode
	tmp.Storage.Driver = a.Storage

	switch a.SwapMode {
	case config.SwapModeSimulate:
		balances, err := parseBalances(a.Balances)
		if err != nil {
			return nil, err
		}
		tmp.Swap.Balances = make(map[string]string, len(balances))
		for token, amount := range balances {
			tmp.Swap.Balances[token] = amount.String()
		}
		tmp.Swap.PriceImpactBps = a.ImpactBps
	case config.SwapModeEVM:
		tmp.Swap.RPCURL = a.RPCURL
		tmp.Swap.ChainID = a.ChainID
		tmp.Swap.Router = a.Router
		// token contracts are chain specific and added by hand
		tmp.Swap.RequireConfirmation = true
	}

	data, err := yaml.Marshal(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to generate yaml: %w", err)
	}
	return data, nil
}

func validatePairs(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("at least one pair is required")
	}
	for _, p := range strings.Split(s, ",") {
		if _, err := domain.ParsePair(strings.TrimSpace(p)); err != nil {
			return err
		}
	}
	return nil
}

func parseBalances(s string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		token, raw, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("balance %q must be TOKEN=AMOUNT", item)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || amount.IsNegative() {
			return nil, fmt.Errorf("invalid amount for %s", token)
		}
		out[strings.ToUpper(strings.TrimSpace(token))] = amount
	}
	return out, nil
}
