// Command imgbuild assembles a flat disk image suitable for attaching to a
// virtual AHCI or NVMe controller under test: a zero-filled image of a given
// sector count with an optional payload written at a chosen LBA. It is a
// host-side development tool; it is never linked into the kernel binary.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const sectorSize = 512

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("imgbuild failed")
	}
}

func newRootCmd() *cobra.Command {
	var (
		outPath  string
		sectors  uint64
		payload  string
		payloadAt uint64
	)

	cmd := &cobra.Command{
		Use:   "imgbuild",
		Short: "Build a flat disk image for AHCI/NVMe driver testing",
		RunE: func(_ *cobra.Command, _ []string) error {
			return build(outPath, sectors, payload, payloadAt)
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "disk.img", "output image path")
	cmd.Flags().Uint64Var(&sectors, "sectors", 2048, "number of 512-byte sectors in the image")
	cmd.Flags().StringVar(&payload, "payload", "", "path to a file to embed at --payload-lba")
	cmd.Flags().Uint64Var(&payloadAt, "payload-lba", 0, "LBA at which to embed --payload")

	return cmd
}

func build(outPath string, sectors uint64, payloadPath string, payloadLBA uint64) error {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer f.Close()

	size := int64(sectors * sectorSize)
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d bytes: %w", outPath, size, err)
	}

	log.Info().Str("path", outPath).Uint64("sectors", sectors).Msg("allocated image")

	if payloadPath == "" {
		return nil
	}

	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("read payload %s: %w", payloadPath, err)
	}

	offset := int64(payloadLBA * sectorSize)
	if offset+int64(len(payload)) > size {
		return fmt.Errorf("payload of %d bytes at LBA %d overruns %d-sector image", len(payload), payloadLBA, sectors)
	}

	if _, err := f.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("write payload at offset %d: %w", offset, err)
	}

	log.Info().Str("payload", payloadPath).Uint64("lba", payloadLBA).Int("bytes", len(payload)).Msg("embedded payload")
	return nil
}
