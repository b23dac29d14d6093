// Command cbectl bootstraps and runs a Consistent Block Encrypter
// volume against a file-backed block backend (spec.md §6
// CLI/configuration table; bootstrap tooling and the host filesystem
// adapter are both external collaborators left to this command).
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/componolit/cbe/cbe"
	"github.com/componolit/cbe/cbe/backend"
	"github.com/componolit/cbe/cbe/blockhash"
	"github.com/componolit/cbe/cbe/cipher"
	"github.com/componolit/cbe/xlog"
)

var (
	blockFlag = &cli.StringFlag{
		Name:  "block",
		Usage: "path to the backend block device image",
		Value: "cbe.img",
	}
	capacityFlag = &cli.Uint64Flag{
		Name:  "capacity",
		Usage: "backend capacity in 4096-byte blocks",
		Value: 1 << 20,
	}
	degreeFlag = &cli.UintFlag{
		Name:  "degree",
		Usage: "tree degree (entries per node), must be a power of two",
		Value: 64,
	}
	showProgressFlag = &cli.BoolFlag{
		Name:  "show_progress",
		Usage: "log a line every time execute() makes progress",
	}
	syncIntervalFlag = &cli.IntFlag{
		Name:  "sync_interval_ms",
		Usage: "cache flush cadence, expressed here as a write count (no wall clock in the core)",
		Value: 64,
	}
	secureIntervalFlag = &cli.IntFlag{
		Name:  "secure_interval_ms",
		Usage: "superblock publication cadence, expressed here as a write count",
		Value: 256,
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML config file overriding the flags above",
	}
)

func main() {
	log := xlog.New(slog.LevelInfo).With("session", uuid.NewString())

	app := &cli.App{
		Name:  "cbectl",
		Usage: "bootstrap and run a Consistent Block Encrypter volume",
		Commands: []*cli.Command{
			bootstrapCommand(log),
			runCommand(log),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bootstrapCommand(log xlog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "bootstrap",
		Usage: "create a new backend image with a fresh, empty superblock",
		Flags: []cli.Flag{blockFlag, capacityFlag, degreeFlag},
		Action: func(c *cli.Context) error {
			return runBootstrap(c, log)
		},
	}
}

func runCommand(log xlog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "open an existing backend image and serve client requests from stdin",
		Flags: []cli.Flag{blockFlag, showProgressFlag, syncIntervalFlag, secureIntervalFlag, configFlag},
		Action: func(c *cli.Context) error {
			return runServe(c, log)
		},
	}
}

func runBootstrap(c *cli.Context, log xlog.Logger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	dev, err := backend.OpenFile(cfg.Block, cfg.Capacity, true)
	if err != nil {
		return fmt.Errorf("cbectl: open backend: %w", err)
	}
	defer dev.Close()

	hasher := blockhash.New()
	if err := writeGenesisImage(dev, cfg.Degree, hasher); err != nil {
		return err
	}
	log.Info("bootstrap complete", "block", cfg.Block, "capacity", cfg.Capacity, "degree", cfg.Degree)
	return nil
}

func runServe(c *cli.Context, log xlog.Logger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	info, err := os.Stat(cfg.Block)
	if err != nil {
		return fmt.Errorf("cbectl: open backend: %w", err)
	}
	dev, err := backend.OpenFile(cfg.Block, uint64(info.Size())/backend.BlockSize, false)
	if err != nil {
		return fmt.Errorf("cbectl: open backend: %w", err)
	}
	defer dev.Close()

	slots, err := backend.ScanSuperblockSlots(context.Background(), dev, cbe.NumSuperblockSlots)
	if err != nil {
		return fmt.Errorf("cbectl: scan superblock slots: %w", err)
	}
	var slotArray [cbe.NumSuperblockSlots]cbe.Block
	for i, s := range slots {
		slotArray[i] = cbe.Block(s)
	}

	var masterSecret [32]byte // bootstrap key derivation is an external collaborator (spec.md §1)
	ciph := cipher.NewChaCha20(masterSecret)
	hasher := blockhash.New()

	engineCfg := cbe.DefaultConfig()
	engineCfg.SyncEveryWrites = cfg.SyncIntervalMS
	engineCfg.SecureEveryWrites = cfg.SecureIntervalMS

	lib, err := cbe.NewLibrary(dev, ciph, hasher, slotArray, engineCfg, log)
	if err != nil {
		return fmt.Errorf("cbectl: open library: %w", err)
	}

	log.Info("cbe volume open", "max_vba", lib.MaxVBA())
	return serveStdin(lib, cfg, log)
}

// serveStdin reads one client request per line from stdin and writes its
// outcome to stdout, e.g.:
//
//	read 42
//	write 42 <4096-byte hex payload>
//
// producing "ok" or "ok <hex data>" (for reads) on success, "err" otherwise.
// Non-goals exclude concurrent in-flight client requests (spec.md §1), so
// each line is driven through SubmitClientRequest/Execute/
// PeekCompletedClientRequest/ObtainClientData to completion before the next
// line is read, the same one-request-at-a-time shape the engine itself
// assumes internally.
func serveStdin(lib *cbe.Library, cfg config, log xlog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	var tag uint64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req, ok := parseClientRequestLine(line, tag)
		tag++
		if !ok {
			fmt.Println("err malformed request")
			continue
		}

		if err := lib.SubmitClientRequest(req); err != nil {
			fmt.Println("err", err)
			continue
		}
		if req.Op == cbe.OpWrite {
			for {
				pending, more := lib.ClientDataRequired()
				if !more {
					break
				}
				lib.SupplyClientData(pending, req.payload)
			}
		}

		result, done := driveRequest(lib, req.Request, cfg, log)
		if !done {
			fmt.Println("err engine poisoned")
			continue
		}
		if !result.Success {
			fmt.Println("err")
			continue
		}
		if req.Op == cbe.OpRead && len(result.Data) > 0 {
			fmt.Println("ok", hex.EncodeToString(result.Data[0][:]))
		} else {
			fmt.Println("ok")
		}
	}
	return scanner.Err()
}

// driveRequest pumps Execute until req's tag surfaces in
// PeekCompletedClientRequest, the engine poisons itself, or an Execute
// call makes no progress.
func driveRequest(lib *cbe.Library, req cbe.Request, cfg config, log xlog.Logger) (cbe.CompletedRequest, bool) {
	for {
		progress := lib.Execute()
		if cfg.ShowProgress && progress {
			log.Info("execute progress", "metrics", lib.Metrics().Snapshot())
		}
		if c, ok := lib.PeekCompletedClientRequest(); ok && c.Request.Tag == req.Tag {
			lib.DropCompletedClientRequest(c.Request)
			return c, true
		}
		if lib.Poisoned() {
			return cbe.CompletedRequest{}, false
		}
		if !progress {
			return cbe.CompletedRequest{}, false
		}
	}
}

// clientLine is a parsed stdin request plus, for writes, its payload.
type clientLine struct {
	cbe.Request
	payload cbe.Block
}

func parseClientRequestLine(line string, tag uint64) (clientLine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return clientLine{}, false
	}
	vba, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return clientLine{}, false
	}

	switch strings.ToLower(fields[0]) {
	case "read":
		return clientLine{Request: cbe.Request{Op: cbe.OpRead, VBA: cbe.VBA(vba), Count: 1, Tag: tag}}, true
	case "write":
		if len(fields) < 3 {
			return clientLine{}, false
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) > cbe.BlockSize {
			return clientLine{}, false
		}
		var payload cbe.Block
		copy(payload[:], raw)
		return clientLine{Request: cbe.Request{Op: cbe.OpWrite, VBA: cbe.VBA(vba), Count: 1, Tag: tag}, payload: payload}, true
	default:
		return clientLine{}, false
	}
}

// config mirrors the §6 CLI/configuration table; TOML overrides, when
// given, win over flags (the go-ethereum cmd/geth config.go idiom).
type config struct {
	Block           string
	Capacity        uint64
	Degree          uint32
	ShowProgress    bool
	SyncIntervalMS  int
	SecureIntervalMS int
}

func loadConfig(c *cli.Context) (config, error) {
	cfg := config{
		Block:            c.String(blockFlag.Name),
		Capacity:         c.Uint64(capacityFlag.Name),
		Degree:           uint32(c.Uint(degreeFlag.Name)),
		ShowProgress:     c.Bool(showProgressFlag.Name),
		SyncIntervalMS:   c.Int(syncIntervalFlag.Name),
		SecureIntervalMS: c.Int(secureIntervalFlag.Name),
	}
	if path := c.String(configFlag.Name); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}
