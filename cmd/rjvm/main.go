package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
	"gopkg.in/urfave/cli.v1"

	"github.com/daimatz/rjvm/pkg/classfile"
	"github.com/daimatz/rjvm/pkg/config"
	"github.com/daimatz/rjvm/pkg/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("rjvm.cli")

var (
	configFlag = cli.StringFlag{
		Name:  "config, c",
		Usage: "TOML configuration file (default: nearest rjvm.toml)",
	}
	namespaceFlag = cli.StringFlag{
		Name:  "ns",
		Usage: "namespace the given classes are registered under",
	}
	classFlag = cli.StringFlag{
		Name:  "class",
		Usage: "entry class (default: [entry] class, then the last class loaded)",
	}
	methodFlag = cli.StringFlag{
		Name:  "method, m",
		Usage: "entry method name",
	}
	descFlag = cli.StringFlag{
		Name:  "desc, d",
		Usage: "entry method descriptor",
	}
	argFlag = cli.StringSliceFlag{
		Name:  "arg, a",
		Usage: "argument for the entry method, converted by its descriptor (repeatable)",
	}
	maxDepthFlag = cli.IntFlag{
		Name:  "max-depth",
		Usage: "maximum call depth",
	}
	maxInstructionsFlag = cli.Int64Flag{
		Name:  "max-instructions",
		Usage: "instruction budget, 0 for unlimited",
	}
	maxObjectsFlag = cli.IntFlag{
		Name:  "max-objects",
		Usage: "live object limit, 0 for unlimited",
	}
	timeoutFlag = cli.DurationFlag{
		Name:  "timeout",
		Usage: "wall clock limit for the invocation",
	}
	heapDumpFlag = cli.StringFlag{
		Name:  "heap-dump",
		Usage: "write a CBOR heap snapshot to this file after the run",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity, v",
		Usage: "log verbosity (0 quiet, 1 errors, 2 warnings, 3 info, 4 debug)",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "rjvm"
	app.Usage = "run a method from compiled class files"
	app.ArgsUsage = "<class-file|dir|jar>..."
	app.HideVersion = true
	app.Flags = []cli.Flag{
		configFlag,
		namespaceFlag,
		classFlag,
		methodFlag,
		descFlag,
		argFlag,
		maxDepthFlag,
		maxInstructionsFlag,
		maxObjectsFlag,
		timeoutFlag,
		heapDumpFlag,
		verbosityFlag,
	}
	app.Action = run
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rjvm:", err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	if path := ctx.String("config"); path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// applyFlags lets command line flags override the configuration file.
func applyFlags(ctx *cli.Context, cfg *config.Config) {
	if ctx.IsSet("max-depth") {
		cfg.VM.MaxFrameDepth = ctx.Int("max-depth")
	}
	if ctx.IsSet("max-instructions") {
		cfg.VM.MaxInstructions = ctx.Int64("max-instructions")
	}
	if ctx.IsSet("max-objects") {
		cfg.VM.MaxObjects = ctx.Int("max-objects")
	}
	if ctx.IsSet("timeout") {
		cfg.VM.Timeout = config.Duration{Duration: ctx.Duration("timeout")}
	}
	if ctx.IsSet("verbosity") {
		cfg.Log.Verbosity = ctx.Int("verbosity")
	}
	if v := ctx.String("class"); v != "" {
		cfg.Entry.Class = v
	}
	if v := ctx.String("method"); v != "" {
		cfg.Entry.Method = v
	}
	if v := ctx.String("desc"); v != "" {
		cfg.Entry.Descriptor = v
	}
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	applyFlags(ctx, cfg)

	if path := cfg.LogPath(); path != "" {
		commonlog.Configure(cfg.Log.Verbosity, &path)
	} else {
		commonlog.Configure(cfg.Log.Verbosity, nil)
	}

	// archives on the command line join the class path
	ns := ctx.String("ns")
	var files []string
	for _, arg := range ctx.Args() {
		switch strings.ToLower(filepath.Ext(arg)) {
		case ".jar", ".zip", ".jmod":
			abs, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			cfg.ClassPath = append(cfg.ClassPath, config.ClassPathEntry{Dir: abs, Namespace: ns})
		default:
			files = append(files, arg)
		}
	}

	machine, err := vm.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	log.Debugf("vm %s started", machine.ID())

	last, err := loadClasses(machine, files, ns)
	if err != nil {
		return err
	}
	if cfg.Entry.Class == "" {
		if last == "" {
			return errors.New("no entry class: pass --class or a class file")
		}
		cfg.Entry.Class = last
	}

	args, err := convertArgs(machine, cfg.Entry.Descriptor, ctx.StringSlice("arg"))
	if err != nil {
		return err
	}

	runCtx := context.Background()
	if cfg.VM.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, cfg.VM.Timeout.Duration)
		defer cancel()
	}

	start := time.Now()
	ret, runErr := machine.Invoke(runCtx, cfg.Entry.Class, cfg.Entry.Method, cfg.Entry.Descriptor, args...)
	elapsed := time.Since(start)

	out := ctx.App.Writer
	if runErr == nil {
		fmt.Fprintln(out, formatValue(machine.Heap(), ret))
	}
	fmt.Fprintf(out, "%s instructions in %s, %s live objects, %s classes\n",
		humanize.Comma(machine.Executed()),
		elapsed.Round(time.Microsecond),
		humanize.Comma(int64(machine.Heap().Len())),
		humanize.Comma(int64(machine.Bundle().Len())))

	if path := ctx.String("heap-dump"); path != "" {
		data, err := vm.MarshalSnapshot(machine.Snapshot())
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errors.Wrap(err, "writing heap dump")
		}
		fmt.Fprintf(out, "heap dump: %s (%s)\n", path, humanize.Bytes(uint64(len(data))))
	}

	if runErr != nil {
		return errors.Wrapf(runErr, "%s.%s%s", cfg.Entry.Class, cfg.Entry.Method, cfg.Entry.Descriptor)
	}
	return nil
}

// loadClasses registers class files and the class files found under
// directories. It returns the name of the last class loaded.
func loadClasses(machine *vm.VM, paths []string, ns string) (string, error) {
	var last string
	load := func(path string) error {
		data, err := classfile.ReadFile(path)
		if err != nil {
			return err
		}
		cf, err := machine.LoadClass(data, ns)
		if err != nil {
			return errors.Wrapf(err, "loading %s", path)
		}
		last = cf.ClassName()
		return nil
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		if !info.IsDir() {
			if err := load(path); err != nil {
				return "", err
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(p) != ".class" {
				return nil
			}
			return load(p)
		})
		if err != nil {
			return "", err
		}
	}
	return last, nil
}

// convertArgs parses command line arguments according to the parameter types
// of desc.
func convertArgs(machine *vm.VM, desc string, raw []string) ([]vm.Value, error) {
	md, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, err
	}
	if len(raw) != md.ArgCount() {
		return nil, errors.Errorf("%s takes %d arguments, got %d", desc, md.ArgCount(), len(raw))
	}

	args := make([]vm.Value, len(raw))
	for i, p := range md.Params {
		s := raw[i]
		var err error
		switch p {
		case "I", "S", "B", "C", "Z":
			var n int64
			n, err = strconv.ParseInt(s, 0, 32)
			args[i] = vm.IntValue(int32(n))
		case "J":
			var n int64
			n, err = strconv.ParseInt(s, 0, 64)
			args[i] = vm.LongValue(n)
		case "F":
			var f float64
			f, err = strconv.ParseFloat(s, 32)
			args[i] = vm.FloatValue(float32(f))
		case "D":
			var f float64
			f, err = strconv.ParseFloat(s, 64)
			args[i] = vm.DoubleValue(f)
		case "Ljava/lang/String;":
			args[i], err = machine.NewString(s)
		default:
			return nil, errors.Errorf("argument %d: cannot pass %s from the command line", i, p)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d (%s)", i, p)
		}
	}
	return args, nil
}

func formatValue(heap *vm.Heap, v vm.Value) string {
	switch v.Kind() {
	case vm.KindEmpty:
		return "void"
	case vm.KindInt:
		return strconv.FormatInt(int64(v.Int()), 10)
	case vm.KindLong:
		return strconv.FormatInt(v.Long(), 10)
	case vm.KindFloat:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case vm.KindDouble:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	}
	if v.IsNull() {
		return "null"
	}
	obj := heap.Get(v.Handle())
	if obj == nil {
		return v.String()
	}
	if v.Kind() == vm.KindString {
		return strconv.Quote(obj.Text())
	}
	return fmt.Sprintf("%s@%d", obj.ClassName(), obj.Handle)
}
