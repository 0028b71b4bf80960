package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tsawler/hailmary/gan"
)

func TestProgressBarLine(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar(&out, "Training", 10)
	pb.Update(5, map[string]float64{"g_loss": 1.5, "d_critics_loss": -0.25})

	line := out.String()
	if !strings.HasPrefix(line, "\rTraining:  50%|") || !strings.Contains(line, "5/10") {
		t.Errorf("Unexpected progress line %q", line)
	}
	// metrics are sorted by name
	if i, j := strings.Index(line, "d_critics_loss=-0.250"), strings.Index(line, "g_loss=1.500"); i < 0 || j < i {
		t.Errorf("Expected sorted metrics in %q", line)
	}

	out.Reset()
	pb.Finish()
	if !strings.Contains(out.String(), "100%") || !strings.HasSuffix(out.String(), "]\n") {
		t.Errorf("Unexpected final line %q", out.String())
	}
}

func TestFormatParameterCount(t *testing.T) {
	cases := map[int]string{12: "12", 1500: "1.5K", 2500000: "2.5M"}
	for n, want := range cases {
		if got := formatParameterCount(n); got != want {
			t.Errorf("formatParameterCount(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	PrintSummary(&out, []gan.NetworkSize{
		{Name: "generator", Params: 1200, Trainable: 1200},
		{Name: "depth_encoder", Params: 1200},
	})
	text := out.String()
	for _, want := range []string{
		"(generator): 1.2K parameters\n",
		"(depth_encoder): 1.2K parameters, 0 trainable",
		"Total parameters: 2.4K",
		"Non-trainable parameters: 1.2K",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Summary lacks %q:\n%s", want, text)
		}
	}
}

func TestLatestSink(t *testing.T) {
	l := NewLatestSink()
	l.LogScalar("g_loss", 1, 2)
	l.LogScalar("g_loss", 2, 3)
	got := l.Select("g_loss", "d_critics_loss")
	if len(got) != 1 || got["g_loss"] != 3 {
		t.Errorf("Unexpected selection %v", got)
	}
}
