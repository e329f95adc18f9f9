/*
 * Copyright (c) 2025, Spectre Labs.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"context"
	"encoding/json"
	std_errors "errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/chain"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/polish"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

const usage = `usage: spectre <command> [flags]

commands:
  run       scrape sources, polish, persist pools, build a chain
  refresh   re-verify the persisted pool, top up if unhealthy, rebuild
  rotate    build a new chain from the persisted pools
  serve     run the local SOCKS5 listener with chain auto-rotation
  stats     print pool and process statistics
  audit     run the leak scorecard against a running listener
`

// commandFlags are the common command-line parameters. Flags override
// the corresponding config file fields.
type commandFlags struct {
	configFilename string
	workspace      string
	mode           string
	listen         string
	port           int
	portSet        bool
	limit          int
	limitSet       bool
	protocol       string
	emitJSON       bool
}

// parseCommandFlags parses the flags following the command word. Flags
// whose zero value is also a legal explicit value, such as -limit,
// record whether they were set so validation can reject explicit
// out-of-range zeros.
func parseCommandFlags(command string, arguments []string) *commandFlags {

	flagSet := flag.NewFlagSet(command, flag.ExitOnError)

	flags := &commandFlags{}
	flagSet.StringVar(&flags.configFilename, "config", "", "configuration input file (JSON or YAML)")
	flagSet.StringVar(&flags.workspace, "workspace", "", "workspace directory for persisted pools")
	flagSet.StringVar(&flags.mode, "mode", "", "chain mode: lite, stealth, high, phantom")
	flagSet.StringVar(&flags.listen, "listen", "", "local SOCKS5 listen address")
	flagSet.IntVar(&flags.port, "port", 0, "local SOCKS5 listen port")
	flagSet.IntVar(&flags.limit, "limit", 0, "scrape proxy count cap")
	flagSet.StringVar(&flags.protocol, "protocol", "all", "scrape protocol filter: all, http, https, socks5")
	flagSet.BoolVar(&flags.emitJSON, "json", false, "emit machine-readable JSON output")
	_ = flagSet.Parse(arguments)

	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "limit":
			flags.limitSet = true
		case "port":
			flags.portSet = true
		}
	})

	return flags
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	command := os.Args[1]
	flags := parseCommandFlags(command, os.Args[2:])

	err := dispatch(command, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spectre %s: %v\n", command, err)
		if std_errors.Is(err, spectre.ErrInvalidInput) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func dispatch(command string, flags *commandFlags) error {

	config, err := makeConfig(flags)
	if err != nil {
		return err
	}

	err = spectre.InitLogging(config)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "run":
		return runCommand(ctx, config, flags)
	case "refresh":
		return refreshCommand(ctx, config, flags)
	case "rotate":
		return rotateCommand(config, flags)
	case "serve":
		return serveCommand(ctx, config, flags)
	case "stats":
		return statsCommand(config, flags)
	case "audit":
		return auditCommand(ctx, config, flags)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("%w: unknown command: %s", spectre.ErrInvalidInput, command)
	}
}

// makeConfig loads the config file when given and applies flag
// overrides, then validates.
func makeConfig(flags *commandFlags) (*spectre.Config, error) {

	var config *spectre.Config
	if flags.configFilename != "" {
		loaded, err := spectre.LoadConfig(flags.configFilename)
		if err != nil {
			return nil, err
		}
		config = loaded
	} else {
		config = &spectre.Config{}
	}

	if flags.workspace != "" {
		config.WorkspaceDir = flags.workspace
	}
	if flags.mode != "" {
		config.Mode = flags.mode
	}
	if flags.listen != "" {
		config.ListenAddress = flags.listen
	}
	if flags.portSet {
		if flags.port < 1 || flags.port > 65535 {
			return nil, fmt.Errorf(
				"%w: port out of range: %d", spectre.ErrInvalidInput, flags.port)
		}
		host := "127.0.0.1"
		if config.ListenAddress != "" {
			if listenHost, _, err := net.SplitHostPort(config.ListenAddress); err == nil {
				host = listenHost
			}
		}
		config.ListenAddress = net.JoinHostPort(host, strconv.Itoa(flags.port))
	}
	if flags.limitSet {
		if flags.limit < 1 || flags.limit > spectre.MaxScrapeLimit {
			return nil, fmt.Errorf(
				"%w: scrape limit out of range: %d", spectre.ErrInvalidInput, flags.limit)
		}
		config.ScrapeLimit = flags.limit
	}
	if flags.emitJSON {
		config.EmitNotices = true
	}

	switch flags.protocol {
	case "all", "http", "https", "socks5":
	default:
		return nil, fmt.Errorf(
			"%w: invalid protocol filter: %s", spectre.ErrInvalidInput, flags.protocol)
	}

	err := config.Commit()
	if err != nil {
		return nil, err
	}
	return config, nil
}

// runCommand executes the full pipeline: scrape, polish, persist, build.
func runCommand(
	ctx context.Context, config *spectre.Config, flags *commandFlags) error {

	dataStore, err := spectre.NewDataStore(config.WorkspaceDir)
	if err != nil {
		return err
	}

	raw, err := scrape(ctx, config, flags)
	if err != nil {
		return err
	}
	err = dataStore.StoreRawProxies(raw)
	if err != nil {
		return err
	}

	pools, err := polishAndStore(dataStore, raw)
	if err != nil {
		return err
	}

	return buildAndPrint(config, dataStore, pools, flags)
}

// refreshCommand re-verifies the persisted pool, scrapes a top-up when
// the pool falls below the health floor, and rebuilds the chain.
func refreshCommand(
	ctx context.Context, config *spectre.Config, flags *commandFlags) error {

	dataStore, err := spectre.NewDataStore(config.WorkspaceDir)
	if err != nil {
		return err
	}

	pools, err := dataStore.LoadPools()
	if err != nil {
		return err
	}

	verifier := spectre.NewVerifier(config)
	verified, err := verifier.VerifyPool(ctx, pools.Combined)
	if err != nil {
		return err
	}

	if !verifier.PoolHealthy(verified) {
		raw, err := scrape(ctx, config, flags)
		if err != nil {
			return err
		}
		verified = append(verified, raw...)
	}

	refreshed, err := polishAndStore(dataStore, verified)
	if err != nil {
		return err
	}

	return buildAndPrint(config, dataStore, refreshed, flags)
}

// rotateCommand builds a fresh chain from the persisted pools.
func rotateCommand(config *spectre.Config, flags *commandFlags) error {

	dataStore, err := spectre.NewDataStore(config.WorkspaceDir)
	if err != nil {
		return err
	}

	pools, err := dataStore.LoadPools()
	if err != nil {
		return err
	}

	return buildAndPrint(config, dataStore, pools, flags)
}

// serveCommand builds a chain, starts the SOCKS5 listener, and rotates
// until interrupted.
func serveCommand(
	ctx context.Context, config *spectre.Config, flags *commandFlags) error {

	dataStore, err := spectre.NewDataStore(config.WorkspaceDir)
	if err != nil {
		return err
	}

	pools, err := dataStore.LoadPools()
	if err != nil {
		return err
	}

	controller, err := spectre.NewController(config, dataStore)
	if err != nil {
		return err
	}

	decision, err := controller.BuildChain(pools)
	if err != nil {

		// No usable persisted pools; run the full pipeline once.
		raw, scrapeErr := scrape(ctx, config, flags)
		if scrapeErr != nil {
			return scrapeErr
		}
		pools, scrapeErr = polishAndStore(dataStore, raw)
		if scrapeErr != nil {
			return scrapeErr
		}
		decision, err = controller.BuildChain(pools)
		if err != nil {
			return err
		}
	}

	printDecision(decision, flags.emitJSON)

	proxy, err := spectre.NewSocksProxy(config, controller)
	if err != nil {
		return err
	}
	defer proxy.Close()

	controller.Start(ctx)
	defer controller.Stop()

	if !flags.emitJSON {
		fmt.Printf("listening on %s\n", proxy.ListenerAddress())
	}

	<-ctx.Done()
	return nil
}

// statsCommand summarizes the persisted pool plus process resource use.
func statsCommand(config *spectre.Config, flags *commandFlags) error {

	dataStore, err := spectre.NewDataStore(config.WorkspaceDir)
	if err != nil {
		return err
	}

	pools, err := dataStore.LoadPools()
	if err != nil {
		return err
	}

	poolStats := spectre.SummarizePool(pools.Combined)
	processStats, err := spectre.CollectProcessStats()
	if err != nil {
		return err
	}

	if flags.emitJSON {
		return printJSON(map[string]interface{}{
			"pool":    poolStats,
			"process": processStats,
		})
	}

	fmt.Printf("pool: %d total, %d alive, %d DNS-capable\n",
		poolStats.Total, poolStats.Alive, poolStats.DNSCapable)
	fmt.Printf("averages: latency %.3fs, score %.3f\n",
		poolStats.AverageLatency, poolStats.AverageScore)
	for _, tier := range []protocol.Tier{
		protocol.TierPlatinum, protocol.TierGold, protocol.TierSilver,
		protocol.TierBronze, protocol.TierDead,
	} {
		fmt.Printf("  %-8s %d\n", tier.String(), poolStats.TierHistogram[tier.String()])
	}
	fmt.Printf("process: rss %d MiB, vms %d MiB, cpu %.1f%%, goroutines %d\n",
		processStats.RSSBytes/(1<<20),
		processStats.VMSBytes/(1<<20),
		processStats.CPUPercent,
		processStats.NumGoroutine)
	return nil
}

// auditCommand runs the leak scorecard against a running listener.
func auditCommand(
	ctx context.Context, config *spectre.Config, flags *commandFlags) error {

	auditor, err := spectre.NewAuditor(
		config.ListenAddress, spectre.DefaultAuditEndpoints())
	if err != nil {
		return err
	}

	scorecard := auditor.Run(ctx)

	if flags.emitJSON {
		err = printJSON(scorecard)
		if err != nil {
			return err
		}
	} else {
		for _, check := range scorecard.Checks {
			status := "PASS"
			if !check.Passed {
				status = "FAIL"
			}
			fmt.Printf("[%s] %-18s %s\n", status, check.Name+":", check.Detail)
		}
		fmt.Printf("\ngrade: %s (%d/%d passed)\n",
			scorecard.Grade, scorecard.Passed, scorecard.Total)
	}

	if !scorecard.AllPassed() {
		return fmt.Errorf("%d of %d checks failed",
			scorecard.Total-scorecard.Passed, scorecard.Total)
	}
	return nil
}

func scrape(
	ctx context.Context,
	config *spectre.Config,
	flags *commandFlags) ([]protocol.Proxy, error) {

	list := spectre.NewRemoteProxyList(config)
	return list.Fetch(ctx, &spectre.ScrapeOptions{
		Protocol: flags.protocol,
		Limit:    flags.limit,
	})
}

func polishAndStore(
	dataStore *spectre.DataStore, raw []protocol.Proxy) (*protocol.Pools, error) {

	result, err := polish.Polish(raw)
	if err != nil {
		return nil, err
	}
	err = dataStore.StorePools(&result.Pools)
	if err != nil {
		return nil, err
	}
	return &result.Pools, nil
}

func buildAndPrint(
	config *spectre.Config,
	dataStore *spectre.DataStore,
	pools *protocol.Pools,
	flags *commandFlags) error {

	controller, err := spectre.NewController(config, dataStore)
	if err != nil {
		return err
	}
	decision, err := controller.BuildChain(pools)
	if err != nil {
		return err
	}
	printDecision(decision, flags.emitJSON)
	return nil
}

func printDecision(decision *chain.Decision, emitJSON bool) {
	if emitJSON {
		_ = printJSON(decision.Topology())
		return
	}
	fmt.Printf("chain %s (%s, %d hops)\n",
		decision.ChainID, decision.Mode.String(), len(decision.Hops))
	for i, hop := range decision.Hops {
		fmt.Printf("  [%d] %-7s %-21s country=%s score=%.2f latency=%.3fs\n",
			i+1, hop.Protocol, hop.Address(), hop.Country, hop.Score, hop.Latency)
	}
}

func printJSON(value interface{}) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
