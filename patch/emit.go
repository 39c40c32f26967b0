package patch

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/hexfile"
	"github.com/chazu/flashlink/ir"
	"github.com/chazu/flashlink/target"
)

var log = commonlog.GetLogger("flashlink.patch")

// Output file names besides the image itself.
const (
	ListingFile = "binary.asm"
	ConfigFile  = "config.c"
	SizeFile    = "size.csv"
)

// ---------------------------------------------------------------------------
// Assembler boundary
// ---------------------------------------------------------------------------

// Symbols resolves runtime symbols referenced by the program.
// *hexfile.Context implements it.
type Symbols interface {
	LookupFunctionAddr(name string) (uint32, bool)
	LookupFunc(name string) (target.FuncInfo, bool)
}

// Assembled is the output of an assembler run.
type Assembled struct {
	Words []uint16

	// Labels maps label names to byte offsets from the start of Words.
	Labels map[string]uint32

	// CommPtr is the end of the comm section, zero when there is none.
	CommPtr uint32

	// Listing is the annotated source; empty to keep the input source.
	Listing string
}

// Assembler turns program assembly into machine code.
type Assembler interface {
	Assemble(src string, syms Symbols) (*Assembled, error)
}

// ---------------------------------------------------------------------------
// Single program
// ---------------------------------------------------------------------------

// Result is a finished build of one variant.
type Result struct {
	Variant   string
	ImageName string
	Image     *Output

	// Files holds every output file by name, the image included.
	Files map[string][]byte

	// Breakpoints that were located in the machine code.
	Breakpoints []*ir.BreakpointInfo
}

// AssembleAndPatch serializes bin, assembles it, and patches the machine
// code into the template of ctx.
func AssembleAndPatch(ctx *hexfile.Context, bin *Binary, asm Assembler) (*Result, error) {
	t := &ctx.Target
	res := &Result{
		ImageName: t.OutputFileName(),
		Files:     make(map[string][]byte),
	}

	src, err := Serialize(ctx, bin)
	if err != nil {
		return nil, err
	}
	src = PatchSrcHash(bin, src)

	if bin.EmbedSource != nil {
		bin.PackedSource = PackSource(bin.EmbedMeta, bin.EmbedSource)
		if !t.NoSourceInFlash && len(bin.PackedSource) < MaxSourceInFlash {
			src += AddSource(bin.PackedSource)
			bin.PackedSource = nil
		}
	}

	if t.FlashChecksumAddr != 0 {
		stub, err := ChecksumStub(ctx, bin)
		if err != nil {
			return nil, err
		}
		src += stub
	}
	res.Files[ListingFile] = []byte(src)

	a, err := asm.Assemble(src, ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot assemble program: %w", err)
	}
	if a.CommPtr != 0 {
		bin.CommSize = a.CommPtr - ctx.CommBase
	}
	if a.Listing != "" {
		src = a.Listing
	}
	res.Files[ListingFile] = []byte(listingHeader(bin) + src)

	if c := ConfigC(bin.Config); c != "" {
		res.Files[ConfigFile] = []byte(c)
	}

	words := a.Words
	if t.FlashChecksumAddr != 0 {
		if words, err = ExtractChecksum(ctx, bin, words, a.Labels); err != nil {
			return nil, err
		}
	}

	img, err := PatchHex(ctx, bin, words, false, t.UseUF2)
	if err != nil {
		return nil, err
	}
	res.Image = img
	res.Files[res.ImageName] = img.Bytes()

	for _, bp := range bin.Breakpoints {
		if addr, ok := a.Labels["__brkp_"+strconv.Itoa(bp.ID)]; ok {
			bp.BinAddr = addr
			res.Breakpoints = append(res.Breakpoints, bp)
		}
	}

	if t.SizeReport {
		csvData, err := SizeReport(bin, a)
		if err != nil {
			return nil, err
		}
		res.Files[SizeFile] = csvData
	}

	log.Infof("program: %d bytes at 0x%x, image %s (%d bytes)",
		len(words)*2, ctx.CodeStartAddrPadded, res.ImageName, len(res.Files[res.ImageName]))
	return res, nil
}

func listingHeader(bin *Binary) string {
	st := bin.ITableStats
	pct := 0
	if st.Entries > 0 {
		pct = int(math.Round(100 * float64(st.FullEntries) / float64(st.Entries)))
	}
	return fmt.Sprintf("; Interface tables: %d/%d (%d%%)\n; Virtual methods: %d / %d\n",
		st.FullEntries, st.Entries, pct, bin.NumVirtMethods, bin.NumMethods)
}

// ConfigC renders the board configuration as a C array for inclusion in a
// bootloader. It returns "" unless BOOTLOADER_BOARD_ID is configured.
func ConfigC(cfg []target.ConfigEntry) string {
	if !slices.ContainsFunc(cfg, func(e target.ConfigEntry) bool { return e.Name == "BOOTLOADER_BOARD_ID" }) {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("const uint32_t configData[] = {\n")
	sb.WriteString("    0x1e9e10f1, 0x20227a79, // magic\n")
	fmt.Fprintf(&sb, "    %d, 0, // num. entries; reserved\n", len(cfg))
	for _, e := range cfg {
		fmt.Fprintf(&sb, "    %d, 0x%x, // %s\n", e.Key, e.Value, e.Name)
	}
	sb.WriteString("    0, 0\n};\n")
	return sb.String()
}

// SizeReport lists the code size of every procedure, measured between
// consecutive entry labels.
func SizeReport(bin *Binary, a *Assembled) ([]byte, error) {
	type span struct {
		p     *ProcCode
		start uint32
	}
	var spans []span
	for _, p := range bin.Procs {
		if off, ok := a.Labels[p.Label]; ok {
			spans = append(spans, span{p, off})
		}
	}
	slices.SortStableFunc(spans, func(x, y span) int { return int(x.start) - int(y.start) })

	end, ok := a.Labels["_code_end"]
	if !ok {
		end = uint32(len(a.Words) * 2)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"name", "size", "location"}); err != nil {
		return nil, err
	}
	for i, s := range spans {
		next := end
		if i+1 < len(spans) {
			next = spans[i+1].start
		}
		size := int64(next) - int64(s.start)
		if err := w.Write([]string{s.p.Name, strconv.FormatInt(size, 10), s.p.Location}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ---------------------------------------------------------------------------
// Sessions and variants
// ---------------------------------------------------------------------------

// OutputWriter receives output files.
type OutputWriter interface {
	WriteFile(name string, data []byte) error
}

// DirWriter writes output files under a directory.
type DirWriter string

func (d DirWriter) WriteFile(name string, data []byte) error {
	p := filepath.Join(string(d), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("cannot create output directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", p, err)
	}
	return nil
}

// MemWriter keeps output files in memory.
type MemWriter map[string][]byte

func (m MemWriter) WriteFile(name string, data []byte) error {
	m[name] = data
	return nil
}

// Variant is one build of a program against a particular template.
type Variant struct {
	Name   string // empty for the main build
	Target *target.CompileTarget
	Ext    *target.ExtensionInfo
	Bin    *Binary
}

// Session emits builds, sharing a template cache between them.
type Session struct {
	ID        uuid.UUID
	Cache     *hexfile.Cache
	Assembler Assembler
	Out       OutputWriter

	Diagnostics []diag.Diagnostic
}

// NewSession creates a session with a fresh build id.
func NewSession(cache *hexfile.Cache, asm Assembler, out OutputWriter) *Session {
	if cache == nil {
		cache = hexfile.NewCache(nil)
	}
	return &Session{ID: uuid.New(), Cache: cache, Assembler: asm, Out: out}
}

func variantPath(variant, name string) string {
	if variant == "" {
		return name
	}
	return path.Join(variant, name)
}

// ProcessorEmit builds every variant. A failing variant is recorded in
// s.Diagnostics and the remaining variants are still built; a Fatal error
// in one variant is reported the same way. The results of the successful
// variants are returned in order.
func (s *Session) ProcessorEmit(variants []Variant) []*Result {
	var results []*Result
	for _, v := range variants {
		res, err := s.emitVariant(v)
		if err != nil {
			d := diag.FromError(v.Name, err)
			log.Errorf("build %s: %s", s.ID, d)
			s.Diagnostics = append(s.Diagnostics, d)
			continue
		}
		results = append(results, res)
	}
	return results
}

func (s *Session) emitVariant(v Variant) (*Result, error) {
	if v.Ext.DisabledDeps != "" {
		return s.emitDisabled(v)
	}

	ctx, err := s.Cache.SetupFor(v.Target, v.Ext)
	if err != nil {
		return nil, err
	}
	log.Debugf("build %s: variant %q using template %s", s.ID, v.Name, ctx.HexTemplateHash())

	res, err := AssembleAndPatch(ctx, v.Bin, s.Assembler)
	if err != nil {
		return nil, err
	}
	res.Variant = v.Name
	if err := s.writeFiles(v.Name, res.Files); err != nil {
		return nil, err
	}
	return res, nil
}

// emitDisabled writes a stub image explaining why the variant could not be
// built.
func (s *Session) emitDisabled(v Variant) (*Result, error) {
	msg := fmt.Sprintf("variant %s disabled by dependencies: %s", v.Name, v.Ext.DisabledDeps)
	log.Warningf("build %s: %s", s.ID, msg)
	s.Diagnostics = append(s.Diagnostics, diag.Diagnostic{Variant: v.Name, Kind: diag.KindUser, Message: msg})

	name := v.Target.OutputFileName()
	res := &Result{
		Variant:   v.Name,
		ImageName: name,
		Image:     &Output{Data: []byte(msg + "\n")},
		Files:     map[string][]byte{name: []byte(msg + "\n")},
	}
	if err := s.writeFiles(v.Name, res.Files); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Session) writeFiles(variant string, files map[string][]byte) error {
	if s.Out == nil {
		return nil
	}
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		if err := s.Out.WriteFile(variantPath(variant, n), files[n]); err != nil {
			return err
		}
	}
	return nil
}
