// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Allocate registers for test files and evaluate the results.
//  --file <name>    Uses 'test/<name>.lir'; the default is every file in 'test/'.
//  --method <name>  Only uses the named method.
//  --target <name>  amd64, bpf or synthN; the default is the file's target,
//                   or all of them.
//  --verify         Runs the allocation verifier.
//  --j <n>          Allocates up to n methods at once.
//  --dump <dir>     Writes interval tables, pictures and the CFG to 'dir'.
//  --watch          Runs again whenever a test file changes.
//  --v <topics>     Log topics, such as "walker,resolver,dump_lir".
//
// Flag defaults can be set with LINSCAN_FILE, LINSCAN_TARGET,
// LINSCAN_VERIFY, LINSCAN_JOBS, LINSCAN_DUMP_DIR and LINSCAN_V.

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/xyproto/env/v2"
	"golang.org/x/sync/errgroup"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/s48/linscan/alloc"
	"github.com/s48/linscan/lir"
	"github.com/s48/linscan/targets"
)

const testDir = "test"

type configT struct {
	file    string
	method  string
	target  string
	verify  bool
	jobs    int
	dumpDir string
}

func main() {
	config := configT{}
	flag.StringVar(&config.file, "file", env.Str("LINSCAN_FILE"), "test file")
	flag.StringVar(&config.method, "method", "", "method")
	flag.StringVar(&config.target, "target", env.Str("LINSCAN_TARGET"), "target")
	flag.BoolVar(&config.verify, "verify", env.Bool("LINSCAN_VERIFY"), "verify allocations")
	flag.IntVar(&config.jobs, "j", env.Int("LINSCAN_JOBS", runtime.NumCPU()), "parallel allocations")
	flag.StringVar(&config.dumpDir, "dump", env.Str("LINSCAN_DUMP_DIR"), "dump directory")
	watch := flag.Bool("watch", false, "rerun when files change")
	verbosity := flag.String("v", env.Str("LINSCAN_V"), "log topics")
	flag.Parse()

	tlog.DefaultLogger = tlog.New(tlog.NewConsoleWriter(os.Stderr, tlog.LstdFlags))
	tlog.SetVerbosity(*verbosity)
	ctx := tlog.ContextWithSpan(context.Background(), tlog.Root())

	okay := runAll(ctx, config)
	if *watch {
		if err := watchFiles(ctx, config); err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			os.Exit(1)
		}
	}
	if !okay {
		os.Exit(1)
	}
}

func testFiles(config configT) ([]string, error) {
	if config.file != "" {
		return []string{testFileName(config.file)}, nil
	}
	files, err := filepath.Glob(filepath.Join(testDir, "*.lir"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no .lir files in %s", testDir)
	}
	return files, nil
}

//----------------------------------------------------------------

// One method on one target.  Each job reads its own copy of the file
// because allocation changes the method.

type jobT struct {
	filename string
	data     []byte
	method   string
	target   *lir.TargetT

	output bytes.Buffer
	okay   bool
}

func runAll(ctx context.Context, config configT) bool {
	filenames, err := testFiles(config)
	if err != nil {
		fmt.Printf("%v\n", err)
		return false
	}
	jobs := []*jobT{}
	okay := true
	for _, filename := range filenames {
		fileJobs, err := makeJobs(filename, config)
		if err != nil {
			fmt.Printf("%v\n", err)
			okay = false
			continue
		}
		jobs = append(jobs, fileJobs...)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(max(config.jobs, 1))
	for _, job := range jobs {
		group.Go(func() error {
			job.okay = job.run(ctx, config)
			return nil
		})
	}
	group.Wait()

	for _, job := range jobs {
		os.Stdout.Write(job.output.Bytes())
		okay = okay && job.okay
	}
	return okay
}

func makeJobs(filename string, config configT) ([]*jobT, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "reading test file")
	}
	file, err := lir.ReadFile(filename, data)
	if err != nil {
		return nil, err
	}
	targetNames := targets.Names()
	switch {
	case config.target != "":
		targetNames = []string{config.target}
	case file.Target != "":
		targetNames = []string{file.Target}
	}
	jobs := []*jobT{}
	for _, targetName := range targetNames {
		target, err := targets.Lookup(targetName)
		if err != nil {
			return nil, errors.Wrap(err, "%s", filename)
		}
		for _, method := range file.Methods {
			if config.method == "" || config.method == method.Name {
				jobs = append(jobs, &jobT{filename: filename, data: data, method: method.Name, target: target})
			}
		}
	}
	return jobs, nil
}

func (job *jobT) printf(format string, args ...any) {
	fmt.Fprintf(&job.output, format, args...)
}

func (job *jobT) run(ctx context.Context, config configT) bool {
	job.printf("running '%s' on %s\n", job.method, job.target.Name)
	file, err := lir.ReadFile(job.filename, job.data)
	if err != nil {
		job.printf("  %v\n", err)
		return false
	}
	var method *lir.MethodT
	for _, m := range file.Methods {
		if m.Name == job.method {
			method = m
		}
	}

	expected := [][]int{}
	for i, test := range method.Tests {
		results, err := lir.Evaluate(method, test.Inputs)
		if err != nil {
			job.printf("  test %d failed before allocation: %v\n", i, err)
			return false
		}
		expected = append(expected, results)
	}

	options := alloc.DefaultOptions()
	options.Verify = config.verify
	allocator, err := alloc.Allocate(ctx, method, job.target, options)
	if config.dumpDir != "" && allocator != nil {
		if dumpErr := job.dump(allocator, config.dumpDir); dumpErr != nil {
			job.printf("  dump failed: %v\n", dumpErr)
		}
	}
	switch {
	case alloc.IsBailout(err):
		job.printf("  skipped: %v\n", err)
		return true
	case err != nil:
		job.printf("  %v\n", err)
		return false
	}
	lir.WriteMethod(&job.output, method, job.target)
	stats := allocator.Stats()
	job.printf("  %d splits, %d slots, %d moves, %d spill stores, %d constant loads\n",
		stats.Splits, stats.SpillSlots, stats.Moves, stats.SpillStores, stats.ConstantLoads)

	okay := true
	for i, test := range method.Tests {
		results, err := lir.EvaluateAllocated(method, job.target, test.Inputs)
		if err != nil {
			job.printf("  test %d failed: %v\n", i, err)
			okay = false
			continue
		}
		if !sameInts(results, test.Outputs) || !sameInts(results, expected[i]) {
			job.printf("  test %d returned %v but expected %v (%v before allocation)\n",
				i, results, test.Outputs, expected[i])
			okay = false
		}
	}
	return okay
}

func sameInts(x []int, y []int) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func (job *jobT) dump(allocator *alloc.AllocatorT, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := filepath.Join(dir, job.method+"."+job.target.Name)
	if err := os.WriteFile(base+".intervals", []byte(allocator.DumpIntervals()), 0o644); err != nil {
		return err
	}
	var svgOut bytes.Buffer
	allocator.WriteIntervalsSVG(&svgOut)
	if err := os.WriteFile(base+".svg", svgOut.Bytes(), 0o644); err != nil {
		return err
	}
	dot, err := allocator.ControlFlowDot()
	if err != nil {
		return errors.Wrap(err, "cfg")
	}
	return os.WriteFile(base+".dot", dot, 0o644)
}

//----------------------------------------------------------------

func watchFiles(ctx context.Context, config configT) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(testDir); err != nil {
		return err
	}
	fmt.Printf("watching %s\n", testDir)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Ext(event.Name) != ".lir" {
				continue
			}
			if config.file != "" && filepath.Base(event.Name) != filepath.Base(testFileName(config.file)) {
				continue
			}
			fmt.Printf("%s changed\n", event.Name)
			runAll(ctx, config)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func testFileName(name string) string {
	if !strings.HasSuffix(name, ".lir") {
		name += ".lir"
	}
	return filepath.Join(testDir, name)
}
