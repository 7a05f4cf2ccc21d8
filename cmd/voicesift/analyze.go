package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voicesift/internal/buffer"
	"github.com/MrWong99/voicesift/internal/config"
	"github.com/MrWong99/voicesift/internal/extract"
	"github.com/MrWong99/voicesift/internal/selector"
	"github.com/MrWong99/voicesift/pkg/audio"
	"github.com/MrWong99/voicesift/pkg/provider/identity/memory"
	"github.com/MrWong99/voicesift/pkg/provider/upload"
	"github.com/MrWong99/voicesift/pkg/provider/upload/local"
	"github.com/MrWong99/voicesift/pkg/types"
)

// defaultChunk is the chunk length analyze feeds the buffer with.
const defaultChunk = 100 * time.Millisecond

type analyzeOptions struct {
	speaker   string
	inputRate int
	chunk     time.Duration
	outDir    string
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	ao := analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Run one recording through the pipeline and print a report",
		Long: `Feed a single-speaker recording through VAD, the chunk buffer, the segment
extractor and the upload gate, then print every extracted segment with its
quality metrics. The encoding is taken from the file extension (.wav, .mp3);
anything else is read as raw pcm16 at --rate. Without --config the built-in
defaults are used. With --out accepted samples are written to that directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cmd.Flags().Changed("config") {
				var err error
				if cfg, err = loadConfig(opts.configPath); err != nil {
					return err
				}
			}
			newLogger(cfg.Server.LogLevel)
			rep, err := analyze(cmd.Context(), cfg, args[0], ao)
			if err != nil {
				return err
			}
			return rep.write(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&ao.speaker, "speaker", "speaker", "speaker label the audio is attributed to")
	cmd.Flags().IntVar(&ao.inputRate, "rate", 0, "sample rate of raw pcm16 input (default: audio.sample_rate)")
	cmd.Flags().DurationVar(&ao.chunk, "chunk", defaultChunk, "chunk length fed to the buffer")
	cmd.Flags().StringVar(&ao.outDir, "out", "", "directory accepted samples are written to")
	return cmd
}

// encodingFor maps a file extension to a payload encoding.
func encodingFor(path string) audio.Encoding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return audio.EncodingWAV
	case ".mp3":
		return audio.EncodingMP3
	}
	return audio.EncodingPCM16
}

// analyzeReport is the outcome of one analyze run.
type analyzeReport struct {
	file     string
	speaker  string
	base     time.Time
	duration time.Duration
	chunks   int
	segments []*types.ExtractedSegment
	accepted map[string]bool
	buffer   buffer.Stats
	vad      vadSummary
	stats    []types.SpeakerStats
	outDir   string
}

type vadSummary struct {
	ok              bool
	frames          int
	voiceRatio      float64
	segmentsEmitted int
	segmentsDropped int
	threshold       float64
}

func analyze(ctx context.Context, cfg *config.Config, path string, o analyzeOptions) (*analyzeReport, error) {
	if o.chunk <= 0 {
		return nil, fmt.Errorf("analyze: chunk length %s must be positive", o.chunk)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	rate := cfg.Audio.SampleRate
	dec, err := audio.NewDecoder(audio.DecoderConfig{
		Encoding:   encodingFor(path),
		Input:      audio.Format{SampleRate: o.inputRate, Channels: 1},
		TargetRate: rate,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	pcm, err := dec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("analyze: decode %s: %w", path, err)
	}

	// The file is decoded up front; the pipeline sees mono pcm16 chunks.
	cfg.Audio.InputFormat = audio.EncodingPCM16
	cfg.Audio.InputSampleRate = rate
	cfg.Audio.InputChannels = 1
	cfg.Buffer.SweepInterval = 0
	cfg.Extract.Realtime = false

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	engine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, err
	}
	conv, err := reg.CreateConverter(cfg.Providers.Converter)
	if err != nil {
		return nil, err
	}

	var up upload.Uploader = discardUploader{}
	if o.outDir != "" {
		if up, err = local.New(o.outDir); err != nil {
			return nil, err
		}
	}

	buf, err := buffer.New(cfg.ForBuffer())
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	ext, err := extract.New(cfg.ForExtract(), buf, engine, conv)
	if err != nil {
		return nil, err
	}
	defer ext.Close()
	sel, err := selector.New(cfg.ForSelector(), up, memory.New())
	if err != nil {
		return nil, err
	}
	defer sel.Close()

	sessionID := "analyze-" + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := sel.StartSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rep := &analyzeReport{
		file:     path,
		speaker:  o.speaker,
		duration: audio.Duration(pcm, rate),
		accepted: make(map[string]bool),
		outDir:   o.outDir,
	}
	var mu sync.Mutex
	unsub := ext.OnSegmentExtracted(func(seg *types.ExtractedSegment) {
		ok, err := sel.Submit(ctx, seg)
		mu.Lock()
		defer mu.Unlock()
		rep.segments = append(rep.segments, seg)
		rep.accepted[seg.ID] = ok && err == nil
	})
	defer unsub()

	step := int(o.chunk.Seconds()*float64(rate)) * 2
	if step <= 0 {
		step = 2
	}
	base := time.Now()
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		ts := base.Add(audio.Duration(pcm[:off], rate))
		if _, err := ext.AddChunk(ctx, pcm[off:end], o.speaker, ts); err != nil {
			return nil, fmt.Errorf("analyze: chunk at %s: %w", ts.Sub(base), err)
		}
		rep.chunks++
	}

	if st, ok := ext.VADStats(o.speaker); ok {
		rep.vad = vadSummary{
			ok:              true,
			frames:          st.FramesProcessed,
			voiceRatio:      st.VoiceRatio(),
			segmentsEmitted: st.SegmentsEmitted,
			segmentsDropped: st.SegmentsDropped,
			threshold:       st.Threshold,
		}
	}
	rep.buffer = buf.Stats()
	ext.ForceExtraction(ctx)

	if err := sel.Drain(ctx); err != nil {
		return nil, err
	}
	rep.stats = sel.EndSession()

	mu.Lock()
	defer mu.Unlock()
	slices.SortFunc(rep.segments, func(a, b *types.ExtractedSegment) int {
		return a.Start.Compare(b.Start)
	})
	rep.base = base
	return rep, nil
}

// discardUploader accepts every sample without storing it.
type discardUploader struct{}

func (discardUploader) Upload(_ context.Context, req upload.Request) (upload.Result, error) {
	if err := req.Validate(); err != nil {
		return upload.Result{}, err
	}
	return upload.Result{URL: "discard://" + req.SampleID, Key: req.SampleID, Size: len(req.Payload)}, nil
}

var (
	reportHeader   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
	reportAccepted = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	reportRejected = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	reportDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

var reportColumns = []struct {
	title string
	width int
}{
	{"#", 4}, {"offset", 10}, {"length", 8}, {"overall", 8}, {"snr", 7},
	{"volume", 7}, {"clarity", 8}, {"voice", 7}, {"reason", 16}, {"gate", 8},
}

func reportRow(cells []string, style lipgloss.Style) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = style.Width(reportColumns[i].width).Render(c)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (r *analyzeReport) write(w io.Writer) error {
	var lines []string
	lines = append(lines, summaryTitle.Render("voicesift analyze"))
	kv := [][2]string{
		{"File", r.file},
		{"Speaker", r.speaker},
		{"Duration", r.duration.Round(time.Millisecond).String()},
		{"Chunks", fmt.Sprintf("%d fed, %d admitted, %d rejected", r.chunks, r.buffer.Admitted, r.buffer.Rejected)},
		{"Buffer", fmt.Sprintf("%d segments materialised, %d chunks evicted", r.buffer.Materialized, r.buffer.Evicted)},
	}
	if r.vad.ok {
		kv = append(kv, [2]string{"VAD", fmt.Sprintf("%d frames, %.0f%% voice, %d segments (%d dropped), threshold %.4f",
			r.vad.frames, r.vad.voiceRatio*100, r.vad.segmentsEmitted, r.vad.segmentsDropped, r.vad.threshold)})
	}
	for _, e := range kv {
		lines = append(lines, summaryKey.Render(e[0])+e[1])
	}
	if _, err := fmt.Fprintln(w, summaryBox.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))); err != nil {
		return err
	}

	if len(r.segments) == 0 {
		_, err := fmt.Fprintln(w, reportDim.Render("no segments extracted"))
		return err
	}

	titles := make([]string, len(reportColumns))
	for i, c := range reportColumns {
		titles[i] = c.title
	}
	rows := []string{reportRow(titles, reportHeader)}
	for i, seg := range r.segments {
		q := seg.Quality
		gate, style := "rejected", reportRejected
		if r.accepted[seg.ID] {
			gate, style = "accepted", reportAccepted
		}
		reason := string(seg.Provenance.Reason)
		if seg.Provenance.Forced && reason == "" {
			reason = string(types.ReasonForced)
		}
		cells := []string{
			fmt.Sprint(i + 1),
			seg.Start.Sub(r.base).Round(time.Millisecond).String(),
			seg.Duration.Round(10 * time.Millisecond).String(),
			fmt.Sprintf("%.3f", q.Overall),
			fmt.Sprintf("%.1f", q.SNR),
			fmt.Sprintf("%.3f", q.Volume),
			fmt.Sprintf("%.3f", q.Clarity),
			fmt.Sprintf("%.2f", q.VoiceActivity),
			reason,
		}
		rows = append(rows, reportRow(cells, lipgloss.NewStyle())+style.Render(gate))
	}
	if _, err := fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, rows...)); err != nil {
		return err
	}

	for _, st := range r.stats {
		line := fmt.Sprintf("%s: %d accepted, %d rejected, avg quality %.3f, %s kept",
			st.SpeakerID, st.Accepted, st.Rejected, st.AvgQuality, st.TotalDuration.Round(10*time.Millisecond))
		if r.outDir != "" {
			line += fmt.Sprintf(", %d written to %s", st.Uploaded, r.outDir)
		}
		if _, err := fmt.Fprintln(w, reportDim.Render(line)); err != nil {
			return err
		}
	}
	return nil
}
