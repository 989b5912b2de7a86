package pipeline

import (
	"errors"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"imageprep/codec"
	"imageprep/config"
	"imageprep/noise"
	"imageprep/types"
)

const (
	testW = 16
	testH = 16

	greyBackground = 0
	greyLeftArm    = 64
	greyRightArm   = 128
	greyTorso      = 192
)

// testConfig builds a pipeline context with a 4-label map: background,
// left arm (1) <-> right arm (2), torso (3).
func testConfig(t *testing.T, srcDir, dstDir string) *config.Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.SrcDir = srcDir
	cfg.DstDir = dstDir
	cfg.Width = testW
	cfg.Height = testH
	cfg.BackgroundDepthM = 3.0
	cfg.MinBodySizePx = 10
	cfg.MinBodyChangePercent = 0.1
	cfg.Threads = 2

	for i := range cfg.GreyToID {
		cfg.GreyToID[i] = config.InvalidLabel
	}
	cfg.GreyToID[greyBackground] = 0
	cfg.GreyToID[greyLeftArm] = 1
	cfg.GreyToID[greyRightArm] = 2
	cfg.GreyToID[greyTorso] = 3

	for i := range cfg.LeftToRight {
		cfg.LeftToRight[i] = uint8(i)
	}
	cfg.LeftToRight[1] = 2
	cfg.LeftToRight[2] = 1

	return cfg
}

// genBody paints a frame: torso block at column xOff with a left-arm column
// on its left edge, over background. Returns grey values, not label ids.
func genBody(xOff int) []uint8 {
	pix := make([]uint8, testW*testH)
	for y := 4; y < 12; y++ {
		for x := xOff; x < xOff+6; x++ {
			pix[y*testW+x] = greyTorso
		}
		pix[y*testW+xOff-1] = greyLeftArm
	}
	return pix
}

func writeLabelFixture(t *testing.T, dir, name string, pix []uint8) {
	t.Helper()
	img := &image.Gray{Pix: pix, Stride: testW, Rect: image.Rect(0, 0, testW, testH)}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func writeDepthFixture(t *testing.T, dir, name string, labelPix []uint8) {
	t.Helper()
	img := types.NewImage(types.DepthFloat32, testW, testH)
	for i, grey := range labelPix {
		if grey == greyBackground {
			img.F32[i] = 2.5
		} else {
			img.F32[i] = 2.0
		}
	}
	if err := codec.WriteDepthEXR(filepath.Join(dir, name), img, false); err != nil {
		t.Fatal(err)
	}
}

// buildScenarioTree writes one directory of three frames where frame2 is
// identical to frame1 and frame3 has moved.
func buildScenarioTree(t *testing.T, srcDir string) {
	t.Helper()
	labelDir := filepath.Join(srcDir, "labels", "seq0")
	depthDir := filepath.Join(srcDir, "depth", "seq0")
	for _, d := range []string{labelDir, depthDir} {
		if err := os.MkdirAll(d, 0o777); err != nil {
			t.Fatal(err)
		}
	}

	bodyA := genBody(5)
	bodyB := genBody(7)

	writeLabelFixture(t, labelDir, "frame1.png", bodyA)
	writeLabelFixture(t, labelDir, "frame2.png", bodyA)
	writeLabelFixture(t, labelDir, "frame3.png", bodyB)
	writeDepthFixture(t, depthDir, "frame1.exr", bodyA)
	writeDepthFixture(t, depthDir, "frame2.exr", bodyA)
	writeDepthFixture(t, depthDir, "frame3.exr", bodyB)

	sidecar := `{"bones": [{"name": "spine", "head": [0.1, 1.0, 0.0], "tail": [0.1, 1.2, 0.0]}]}`
	for _, name := range []string{"frame1.json", "frame2.json", "frame3.json"} {
		if err := os.WriteFile(filepath.Join(labelDir, name), []byte(sidecar), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func runPipeline(t *testing.T, cfg *config.Pipeline) *Pipeline {
	t.Helper()
	units, frames, err := Scan(cfg)
	if err != nil {
		t.Fatalf("Scan: %s", err)
	}
	p := New(cfg, units, frames)
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %s", err)
	}
	return p
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	return files
}

func TestFrameDiff(t *testing.T) {
	a := types.NewImage(types.Label8, 4, 2)
	b := types.NewImage(types.Label8, 4, 2)
	// a has 3 body pixels, 2 of which differ from b.
	a.U8 = []uint8{0, 1, 1, 0, 3, 0, 0, 0}
	b.U8 = []uint8{0, 1, 0, 0, 2, 0, 0, 0}

	nDiff, nBody := frameDiff(a, b)
	if nBody != 3 {
		t.Errorf("nBody = %d, expected 3", nBody)
	}
	if nDiff != 2 {
		t.Errorf("nDiff = %d, expected 2", nDiff)
	}
}

func TestFlipLabelsInvolution(t *testing.T) {
	var table [256]uint8
	for i := range table {
		table[i] = uint8(i)
	}
	table[1], table[2] = 2, 1

	src := types.NewImage(types.Label8, testW, testH)
	copy(src.U8, genBody(5))
	for i, grey := range src.U8 {
		switch grey {
		case greyLeftArm:
			src.U8[i] = 1
		case greyRightArm:
			src.U8[i] = 2
		case greyTorso:
			src.U8[i] = 3
		default:
			src.U8[i] = 0
		}
	}

	once := types.NewImage(types.Label8, testW, testH)
	twice := types.NewImage(types.Label8, testW, testH)
	flipLabels(src, once, &table)
	flipLabels(once, twice, &table)

	for i := range src.U8 {
		if twice.U8[i] != src.U8[i] {
			t.Fatalf("double label flip differs at %d: %d vs %d", i, twice.U8[i], src.U8[i])
		}
	}

	// And the single flip actually swapped sides.
	sawRight := false
	for _, id := range once.U8 {
		if id == 1 {
			t.Fatal("left-arm label survived the flip un-swapped")
		}
		if id == 2 {
			sawRight = true
		}
	}
	if !sawRight {
		t.Error("flipped frame has no right-arm labels")
	}
}

func TestFlipDepthInvolution(t *testing.T) {
	src := types.NewImage(types.DepthFloat32, 5, 3)
	for i := range src.F32 {
		src.F32[i] = float32(i) * 0.25
	}
	once := types.NewImage(types.DepthFloat32, 5, 3)
	twice := types.NewImage(types.DepthFloat32, 5, 3)
	flipDepth(src, once)
	flipDepth(once, twice)

	for i := range src.F32 {
		if twice.F32[i] != src.F32[i] {
			t.Fatalf("double depth flip differs at %d", i)
		}
	}
	if once.AtF32(0, 0) != src.AtF32(4, 0) {
		t.Error("depth flip did not reflect columns")
	}
}

func TestClampDepth(t *testing.T) {
	cfg := config.Default()
	cfg.BackgroundDepthM = 3.0

	labels := types.NewImage(types.Label8, 3, 1)
	labels.U8 = []uint8{0, 0, 1}
	depth := types.NewImage(types.DepthFloat32, 3, 1)
	depth.F32 = []float32{2.0, 3.5, 2.2}

	clampDepth(cfg, labels, depth)
	want := []float32{3.0, 3.0, 2.2}
	for i := range want {
		if depth.F32[i] != want[i] {
			t.Errorf("overwrite mode pixel %d = %f, expected %f", i, depth.F32[i], want[i])
		}
	}

	cfg.BgFarClampMode = true
	depth.F32 = []float32{2.0, 3.5, 2.2}
	clampDepth(cfg, labels, depth)
	want = []float32{2.0, 3.0, 2.2}
	for i := range want {
		if depth.F32[i] != want[i] {
			t.Errorf("far-clamp mode pixel %d = %f, expected %f", i, depth.F32[i], want[i])
		}
	}
}

func TestSanityCheckFrame(t *testing.T) {
	cfg := config.Default()
	cfg.BackgroundDepthM = 3.0

	mk := func(label uint8, d float32) (*types.Image, *types.Image) {
		labels := types.NewImage(types.Label8, 1, 1)
		labels.U8[0] = label
		depth := types.NewImage(types.DepthFloat32, 1, 1)
		depth.F32[0] = d
		return labels, depth
	}

	labels, depth := mk(0, 3.0)
	if err := sanityCheckFrame(cfg, "d", "f", labels, depth); err != nil {
		t.Errorf("valid background pixel rejected: %s", err)
	}
	labels, depth = mk(1, 2.0)
	if err := sanityCheckFrame(cfg, "d", "f", labels, depth); err != nil {
		t.Errorf("valid body pixel rejected: %s", err)
	}

	cases := []struct {
		name  string
		label uint8
		depth float32
	}{
		{"NaN depth", 1, float32(math.NaN())},
		{"Inf depth", 1, float32(math.Inf(1))},
		{"beyond background", 1, 3.5},
		{"background at wrong depth", 0, 2.9},
		{"body at background depth", 1, 3.0},
	}
	for _, tc := range cases {
		labels, depth := mk(tc.label, tc.depth)
		err := sanityCheckFrame(cfg, "d", "f", labels, depth)
		if err == nil {
			t.Errorf("%s: expected invariant error", tc.name)
			continue
		}
		if _, ok := err.(*InvariantError); !ok {
			t.Errorf("%s: got %T, expected *InvariantError", tc.name, err)
		}
	}

	// Far-clamp mode permits background pixels nearer than the clamp.
	cfg.BgFarClampMode = true
	labels, depth = mk(0, 2.9)
	if err := sanityCheckFrame(cfg, "d", "f", labels, depth); err != nil {
		t.Errorf("far-clamp mode near background pixel rejected: %s", err)
	}
}

func TestScan(t *testing.T) {
	src := t.TempDir()
	mk := func(rel string, names ...string) {
		dir := filepath.Join(src, "labels", rel)
		if err := os.MkdirAll(dir, 0o777); err != nil {
			t.Fatal(err)
		}
		for _, n := range names {
			if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	mk("seqA", "f0.png", "f1.png", "notes.txt")
	mk(filepath.Join("seqA", "sub"), "f2.png")
	mk("seqB", "f3.png")
	mk("seqEmpty")

	cfg := config.Default()
	cfg.SrcDir = src
	units, frames, err := Scan(cfg)
	if err != nil {
		t.Fatalf("Scan: %s", err)
	}

	if frames != 4 {
		t.Errorf("scanned %d frames, expected 4", frames)
	}
	if len(units) != 3 {
		t.Fatalf("scanned %d units, expected 3 (empty dirs excluded)", len(units))
	}

	// os.ReadDir sorts entries, so the walk order is deterministic here:
	// seqA's files, then seqA/sub, then seqB.
	if units[0].Dir != "seqA" || len(units[0].Frames) != 2 {
		t.Errorf("unit 0 = %s with %d frames", units[0].Dir, len(units[0].Frames))
	}
	if units[0].Frames[0].FrameNo != 0 || units[0].Frames[1].FrameNo != 1 {
		t.Errorf("unit 0 frame numbers: %d, %d", units[0].Frames[0].FrameNo, units[0].Frames[1].FrameNo)
	}
	if units[1].Dir != filepath.Join("seqA", "sub") || units[1].Frames[0].FrameNo != 2 {
		t.Errorf("unit 1 = %s starting at %d", units[1].Dir, units[1].Frames[0].FrameNo)
	}
	if units[2].Dir != "seqB" || units[2].Frames[0].FrameNo != 3 {
		t.Errorf("unit 2 = %s starting at %d", units[2].Dir, units[2].Frames[0].FrameNo)
	}
}

func TestQueueFIFO(t *testing.T) {
	units := []*types.WorkUnit{{Dir: "a"}, {Dir: "b"}, {Dir: "c"}}
	q := NewQueue(units)

	if q.Len() != 3 {
		t.Errorf("Len = %d", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		u := q.Pop()
		if u == nil || u.Dir != want {
			t.Fatalf("popped %v, expected %s", u, want)
		}
	}
	if q.Pop() != nil {
		t.Error("empty queue should pop nil")
	}
}

func TestPipelineScenario(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	buildScenarioTree(t, src)
	cfg := testConfig(t, src, dst)

	hook := logtest.NewGlobal()
	p := runPipeline(t, cfg)

	// Exactly one skip, for frame2, with the too-similar reason.
	var skips []*log.Entry
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "skipping") {
			skips = append(skips, e)
		}
	}
	if len(skips) != 1 {
		t.Fatalf("logged %d frame skips, expected 1", len(skips))
	}
	if skips[0].Message != "skipping frame too similar to previous frame" {
		t.Errorf("skip reason = %q", skips[0].Message)
	}
	if skips[0].Data["frame"] != "frame2.png" {
		t.Errorf("skipped frame = %v, expected frame2.png", skips[0].Data["frame"])
	}

	wantLabels := []string{
		"frame1-flipped.json",
		"frame1-flipped.png",
		"frame1.json",
		"frame1.png",
		"frame3-flipped.json",
		"frame3-flipped.png",
		"frame3.json",
		"frame3.png",
	}
	gotLabels := listFiles(t, filepath.Join(dst, "labels", "seq0"))
	if len(gotLabels) != len(wantLabels) {
		t.Fatalf("label outputs = %v, expected %v", gotLabels, wantLabels)
	}
	for i := range wantLabels {
		if gotLabels[i] != wantLabels[i] {
			t.Fatalf("label outputs = %v, expected %v", gotLabels, wantLabels)
		}
	}

	wantDepth := []string{
		"frame1-flipped.exr",
		"frame1.exr",
		"frame3-flipped.exr",
		"frame3.exr",
	}
	gotDepth := listFiles(t, filepath.Join(dst, "depth", "seq0"))
	if len(gotDepth) != len(wantDepth) {
		t.Fatalf("depth outputs = %v, expected %v", gotDepth, wantDepth)
	}

	// Two retained frames, two variants each.
	if p.Processed() != 4 {
		t.Errorf("Processed = %d, expected 4", p.Processed())
	}

	// The unflipped labels carry mapped label ids; the flipped variant is
	// column-reflected with sided ids swapped.
	labels, err := codec.ReadLabelPNG(filepath.Join(dst, "labels", "seq0", "frame1.png"), testW, testH)
	if err != nil {
		t.Fatal(err)
	}
	flipped, err := codec.ReadLabelPNG(filepath.Join(dst, "labels", "seq0", "frame1-flipped.png"), testW, testH)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			want := cfg.LeftToRight[labels.At8(testW-1-x, y)]
			if flipped.At8(x, y) != want {
				t.Fatalf("flipped label at (%d,%d) = %d, expected %d", x, y, flipped.At8(x, y), want)
			}
		}
	}

	// Every written depth pixel is finite and <= the background depth.
	for _, name := range wantDepth {
		depth, err := codec.ReadDepthEXR(filepath.Join(dst, "depth", "seq0", name), testW, testH)
		if err != nil {
			t.Fatal(err)
		}
		for i, d := range depth.F32 {
			if math.IsNaN(float64(d)) || math.IsInf(float64(d), 0) || d > cfg.BackgroundDepthM {
				t.Fatalf("%s pixel %d out of range: %f", name, i, d)
			}
		}
	}
}

func TestPipelineIdempotentResume(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	buildScenarioTree(t, src)

	runPipeline(t, testConfig(t, src, dst))
	firstFiles := listFiles(t, dst)
	firstBytes := make(map[string][]byte, len(firstFiles))
	for _, f := range firstFiles {
		data, err := os.ReadFile(filepath.Join(dst, f))
		if err != nil {
			t.Fatal(err)
		}
		firstBytes[f] = data
	}

	// Re-run over the completed output tree: same file set, zero bytes
	// rewritten.
	runPipeline(t, testConfig(t, src, dst))
	secondFiles := listFiles(t, dst)
	if len(secondFiles) != len(firstFiles) {
		t.Fatalf("re-run changed the file set: %v vs %v", secondFiles, firstFiles)
	}
	for _, f := range secondFiles {
		data, err := os.ReadFile(filepath.Join(dst, f))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != string(firstBytes[f]) {
			t.Errorf("re-run rewrote %s", f)
		}
	}
}

func TestPipelineDeterministicAcrossThreadCounts(t *testing.T) {
	src := t.TempDir()
	buildScenarioTree(t, src)

	ops := []noise.Op{
		noise.EdgeSwizzle{},
		noise.Gaussian{FWTMRangeM: 0.02},
		noise.Perlin{Freq: 0.3, Octaves: 2, AmplitudeM: 0.01},
	}

	run := func(threads int) (string, []string) {
		dst := t.TempDir()
		cfg := testConfig(t, src, dst)
		cfg.Seed = 11
		cfg.Threads = threads
		cfg.NoiseOps = ops
		runPipeline(t, cfg)
		return dst, listFiles(t, dst)
	}

	dstA, filesA := run(1)
	dstB, filesB := run(4)

	if len(filesA) != len(filesB) {
		t.Fatalf("file sets differ: %v vs %v", filesA, filesB)
	}
	for i, f := range filesA {
		if filesB[i] != f {
			t.Fatalf("file sets differ: %v vs %v", filesA, filesB)
		}
		a, err := os.ReadFile(filepath.Join(dstA, f))
		if err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(filepath.Join(dstB, f))
		if err != nil {
			t.Fatal(err)
		}
		if string(a) != string(b) {
			t.Errorf("%s differs between 1-thread and 4-thread runs", f)
		}
	}
}

func TestPipelineFrameBudget(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	buildScenarioTree(t, src)

	cfg := testConfig(t, src, dst)
	cfg.MaxFrameCount = 2

	p := runPipeline(t, cfg)

	gotLabels := listFiles(t, filepath.Join(dst, "labels", "seq0"))
	for _, f := range gotLabels {
		if f == "frame3.png" || f == "frame3-flipped.png" {
			t.Errorf("frame3 written past the frame budget")
		}
	}
	foundFrame1 := false
	for _, f := range gotLabels {
		if f == "frame1.png" {
			foundFrame1 = true
		}
	}
	if !foundFrame1 {
		t.Error("frame1 missing: the frame in progress should complete")
	}
	if p.Processed() != 2 {
		t.Errorf("Processed = %d, expected 2", p.Processed())
	}
	if !p.Finished() {
		t.Error("finished flag should be raised once the budget is reached")
	}
}

func TestTrackerFailHaltsAtFrameBoundary(t *testing.T) {
	tr := NewTracker(^uint64(0))
	fatal := &InvariantError{Dir: "d", Frame: "f", Msg: "boom"}

	tr.Fail(fatal)

	if !tr.Finished() {
		t.Error("Fail should raise the finished flag")
	}
	// The frame-boundary check must observe the latched failure even with
	// the frame budget nowhere near exhausted.
	if !tr.BudgetExhausted() {
		t.Error("frame-boundary check does not observe the latched failure")
	}
	if tr.Err() != fatal {
		t.Errorf("Err = %v, expected the latched error", tr.Err())
	}
}

func TestPipelineFatalErrorHaltsOtherUnits(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	// Unit "a" carries a frame whose body sits exactly at the background
	// depth, which the post-noise guard rejects. Unit "b" is healthy.
	body := genBody(5)
	for _, dir := range []string{"a", "b"} {
		labelDir := filepath.Join(src, "labels", dir)
		depthDir := filepath.Join(src, "depth", dir)
		for _, d := range []string{labelDir, depthDir} {
			if err := os.MkdirAll(d, 0o777); err != nil {
				t.Fatal(err)
			}
		}
		writeLabelFixture(t, labelDir, "frame1.png", body)
	}
	writeDepthFixture(t, filepath.Join(src, "depth", "b"), "frame1.exr", body)

	flat := types.NewImage(types.DepthFloat32, testW, testH)
	for i := range flat.F32 {
		flat.F32[i] = 3.0
	}
	if err := codec.WriteDepthEXR(filepath.Join(src, "depth", "a", "frame1.exr"), flat, false); err != nil {
		t.Fatal(err)
	}

	// One worker: unit "a" fails before "b" can start, so "b" must stop at
	// its first frame boundary without writing anything.
	cfg := testConfig(t, src, dst)
	cfg.Threads = 1

	units, frames, err := Scan(cfg)
	if err != nil {
		t.Fatalf("Scan: %s", err)
	}
	p := New(cfg, units, frames)
	runErr := p.Run()
	if runErr == nil {
		t.Fatal("Run should return the fatal error")
	}
	var inv *InvariantError
	if !errors.As(runErr, &inv) {
		t.Fatalf("Run returned %T, expected *InvariantError", runErr)
	}
	if !p.Finished() {
		t.Error("finished flag should be latched after a fatal error")
	}

	if _, err := os.Stat(filepath.Join(dst, "labels", "b")); !os.IsNotExist(err) {
		t.Error("unit b produced output after the fatal error")
	}
	var pngs []string
	for _, f := range listFiles(t, dst) {
		if strings.HasSuffix(f, ".png") {
			pngs = append(pngs, f)
		}
	}
	if len(pngs) != 0 {
		t.Errorf("label files written after the fatal error: %v", pngs)
	}
}
