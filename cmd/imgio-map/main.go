package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/vexxhost/imgio/internal/backend"
	_ "github.com/vexxhost/imgio/internal/backend/file"
	_ "github.com/vexxhost/imgio/internal/backend/httpbackend"
	_ "github.com/vexxhost/imgio/internal/backend/nbdbackend"
	"github.com/vexxhost/imgio/internal/extent"
)

// ContextOpts selects which extent stream map prints, mirroring the
// data server's ?context=zero|dirty query parameter (spec §4.5).
type ContextOpts enumflag.Flag

const (
	ContextZero ContextOpts = iota
	ContextDirty
)

var ContextOptsIds = map[ContextOpts][]string{
	ContextZero:  {"zero"},
	ContextDirty: {"dirty"},
}

var (
	debug      bool
	extContext ContextOpts
)

var rootCmd = &cobra.Command{
	Use:   "imgio-map URL",
	Short: "Print the extent map of a backend as JSON",
	Args:  cobra.ExactArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMap(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().Var(
		enumflag.New(&extContext, "context", ContextOptsIds, enumflag.EnumCaseInsensitive),
		"context",
		"Extent stream to print: zero or dirty",
	)
}

func runMap(rawURL string) error {
	// Read-only inspection; ask for a dirty bitmap only when the dirty
	// stream was requested, so the NBD handshake negotiates it.
	b, err := backend.OpenWith(rawURL, backend.OpenOptions{Dirty: extContext == ContextDirty})
	if err != nil {
		return fmt.Errorf("imgio-map: opening %s: %w", rawURL, err)
	}
	defer b.Close()

	size, err := b.Size()
	if err != nil {
		return fmt.Errorf("imgio-map: getting size: %w", err)
	}

	w := bufio.NewWriterSize(os.Stdout, 32*1024)
	defer w.Flush()

	switch extContext {
	case ContextDirty:
		de, ok := b.(backend.DirtyExtents)
		if !ok {
			return fmt.Errorf("imgio-map: %s does not support dirty extents", rawURL)
		}
		exts, err := de.DirtyExtents(0, size)
		if err != nil {
			return fmt.Errorf("imgio-map: listing dirty extents: %w", err)
		}
		writeDirtyExtents(w, exts)
	default:
		exts, err := b.Extents(0, size)
		if err != nil {
			return fmt.Errorf("imgio-map: listing extents: %w", err)
		}
		writeZeroExtents(w, exts)
	}
	return nil
}

// writeZeroExtents streams compact JSON one extent at a time rather
// than building a []byte for the whole list and marshaling it, which
// for large images costs much more memory for no benefit.
func writeZeroExtents(w io.Writer, exts []extent.ZeroExtent) {
	fmt.Fprint(w, "[")
	format := "{\"start\": %d, \"length\": %d, \"zero\": %v, \"hole\": %v}"
	for i, e := range exts {
		if i > 0 {
			fmt.Fprint(w, ",\n ")
		}
		fmt.Fprintf(w, format, e.Start, e.Length, e.Zero, e.Hole)
	}
	fmt.Fprint(w, "]\n")
}

func writeDirtyExtents(w io.Writer, exts []extent.DirtyExtent) {
	fmt.Fprint(w, "[")
	format := "{\"start\": %d, \"length\": %d, \"dirty\": %v, \"zero\": %v}"
	for i, e := range exts {
		if i > 0 {
			fmt.Fprint(w, ",\n ")
		}
		fmt.Fprintf(w, format, e.Start, e.Length, e.Dirty, e.Zero)
	}
	fmt.Fprint(w, "]\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
