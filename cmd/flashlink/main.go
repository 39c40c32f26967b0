// flashlink CLI - inspects runtime templates and links programs into
// flashable images
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/hexfile"
	"github.com/chazu/flashlink/patch"
	"github.com/chazu/flashlink/target"
	"github.com/chazu/flashlink/templatestore"
)

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0-4)")
	projectDir := flag.String("C", ".", "Project directory (searched upwards for flashlink.toml)")
	cacheDB := flag.String("cache-db", "", "Template cache database (default: user cache dir)")
	noCache := flag.Bool("no-cache", false, "Do not persist parsed templates")
	outDir := flag.String("o", "built", "Output directory (used with patch)")
	only := flag.String("variant", "", "Build only the named variant (used with patch)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: flashlink [options] inspect\n")
		fmt.Fprintf(os.Stderr, "       flashlink [options] patch program.bin\n")
		fmt.Fprintf(os.Stderr, "       flashlink [options] cache list|clear [sha...]\n\n")
		fmt.Fprintf(os.Stderr, "Links assembled programs into runtime templates (Intel HEX, UF2, ELF, ESP32).\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  flashlink inspect                    # Show the parsed templates\n")
		fmt.Fprintf(os.Stderr, "  flashlink -o out patch prog.bin      # Patch prog.bin into every variant\n")
		fmt.Fprintf(os.Stderr, "  flashlink -variant n3 patch prog.bin # Build one variant only\n")
		fmt.Fprintf(os.Stderr, "  flashlink cache list                 # Show cached template SHAs\n")
		fmt.Fprintf(os.Stderr, "  flashlink cache clear                # Drop every cached template\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if args[0] == "cache" {
		if err := cacheCommand(os.Stdout, *cacheDB, args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := target.FindAndLoad(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		fmt.Fprintf(os.Stderr, "Error: no %s found in %s or its parents\n", target.ConfigFileName, *projectDir)
		os.Exit(1)
	}

	var store hexfile.Store
	if !*noCache {
		s, err := openStore(*cacheDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: template cache disabled: %v\n", err)
		} else {
			defer s.Close()
			store = s
		}
	}
	cache := hexfile.NewCache(store)

	switch args[0] {
	case "inspect":
		err = inspect(cfg, cache)
	case "patch":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = link(cfg, cache, args[1], *outDir, *only)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(path string) (*templatestore.Store, error) {
	if path == "" {
		return templatestore.OpenDefault()
	}
	return templatestore.Open(path)
}

// ---------------------------------------------------------------------------
// cache
// ---------------------------------------------------------------------------

func cacheCommand(w io.Writer, dbPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("cache needs a subcommand: list or clear")
	}
	s, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	switch args[0] {
	case "list":
		if len(args) != 1 {
			return fmt.Errorf("cache list takes no arguments")
		}
		return cacheList(w, s)
	case "clear":
		return cacheClear(w, s, args[1:])
	default:
		return fmt.Errorf("unknown cache subcommand %q", args[0])
	}
}

// cacheList prints one line per stored template.
func cacheList(w io.Writer, s *templatestore.Store) error {
	shas, err := s.List()
	if err != nil {
		return err
	}
	for _, sha := range shas {
		ctx, err := s.Load(sha)
		if err != nil {
			fmt.Fprintf(w, "%s  (unreadable: %v)\n", sha, err)
			continue
		}
		fmt.Fprintf(w, "%s  %s\n", sha, shape(ctx))
	}
	fmt.Fprintf(w, "%d templates\n", len(shas))
	return nil
}

// cacheClear deletes the named templates, or all of them when shas is
// empty.
func cacheClear(w io.Writer, s *templatestore.Store, shas []string) error {
	if len(shas) == 0 {
		var err error
		if shas, err = s.List(); err != nil {
			return err
		}
	}
	for _, sha := range shas {
		if err := s.Delete(sha); err != nil {
			return fmt.Errorf("cannot delete %s: %w", sha, err)
		}
	}
	fmt.Fprintf(w, "removed %d templates\n", len(shas))
	return nil
}

// variants lists the main build followed by the configured variants.
func variants(cfg *target.Config) []patch.Variant {
	res := []patch.Variant{{Target: &cfg.Target, Ext: &cfg.Extension}}
	for i := range cfg.Variants {
		v := &cfg.Variants[i]
		res = append(res, patch.Variant{Name: v.Name, Target: &cfg.Target, Ext: &v.Extension})
	}
	return res
}

// ---------------------------------------------------------------------------
// inspect
// ---------------------------------------------------------------------------

func inspect(cfg *target.Config, cache *hexfile.Cache) error {
	for _, v := range variants(cfg) {
		name := v.Name
		if name == "" {
			name = "(main)"
		}
		fmt.Printf("%s: template %s\n", name, v.Ext.Template)
		if v.Ext.DisabledDeps != "" {
			fmt.Printf("  disabled by: %s\n", v.Ext.DisabledDeps)
			continue
		}
		ctx, err := cache.SetupFor(v.Target, v.Ext)
		if err != nil {
			return fmt.Errorf("variant %s: %w", name, err)
		}
		printContext(ctx)
	}
	return nil
}

func shape(ctx *hexfile.Context) string {
	switch {
	case ctx.ESP != nil:
		return "ESP32 image"
	case ctx.IsVM():
		return "VM bytecode"
	case ctx.ELF != nil && ctx.ELF.IsELF:
		return "ELF"
	case ctx.ELF != nil:
		return "flat binary"
	default:
		return "Intel HEX"
	}
}

func printContext(ctx *hexfile.Context) {
	fmt.Printf("  sha:         %s\n", ctx.HexTemplateHash())
	fmt.Printf("  format:      %s\n", shape(ctx))
	fmt.Printf("  jump table:  0x%x\n", ctx.JmpStartAddr)
	fmt.Printf("  code start:  0x%x (padded 0x%x)\n", ctx.CodeStartAddr, ctx.CodeStartAddrPadded)
	fmt.Printf("  comm base:   0x%x\n", ctx.CommBase)
	fmt.Printf("  output:      %s\n", ctx.Target.OutputFileName())

	names := make([]string, 0, len(ctx.Funcs))
	for n := range ctx.Funcs {
		names = append(names, n)
	}
	slices.Sort(names)
	fmt.Printf("  functions:   %d\n", len(names))
	for _, n := range names {
		f := ctx.Funcs[n]
		fmt.Printf("    0x%08x %s(%s)\n", f.Value, n, strings.Join(f.ArgsFmt, ", "))
	}
}

// ---------------------------------------------------------------------------
// patch
// ---------------------------------------------------------------------------

// rawAssembler stands in for an assembler when the program is already
// machine code.
type rawAssembler struct {
	words []uint16
}

func (r rawAssembler) Assemble(src string, syms patch.Symbols) (*patch.Assembled, error) {
	if strings.Contains(src, "__flash_checksums:") {
		return nil, diag.Userf("a pre-assembled program cannot carry a checksum block; unset flash-checksum-addr")
	}
	return &patch.Assembled{Words: r.words, Labels: map[string]uint32{}}, nil
}

func link(cfg *target.Config, cache *hexfile.Cache, progPath, outDir, only string) error {
	data, err := os.ReadFile(progPath)
	if err != nil {
		return fmt.Errorf("cannot read program: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(progPath), filepath.Ext(progPath))

	var vs []patch.Variant
	for _, v := range variants(cfg) {
		if only != "" && v.Name != only {
			continue
		}
		v.Bin = &patch.Binary{Name: name, Config: cfg.Entries}
		vs = append(vs, v)
	}
	if len(vs) == 0 {
		return fmt.Errorf("no variant named %q", only)
	}

	s := patch.NewSession(cache, rawAssembler{words: patch.SplitWords(data)}, patch.DirWriter(outDir))
	results := s.ProcessorEmit(vs)
	for _, r := range results {
		fmt.Printf("%s\n", filepath.Join(outDir, filepath.FromSlash(variantFile(r))))
	}
	for _, d := range s.Diagnostics {
		fmt.Fprintf(os.Stderr, "%s\n", d)
	}
	if len(results) < len(vs) {
		return fmt.Errorf("%d of %d variants failed", len(vs)-len(results), len(vs))
	}
	return nil
}

func variantFile(r *patch.Result) string {
	if r.Variant == "" {
		return r.ImageName
	}
	return r.Variant + "/" + r.ImageName
}
