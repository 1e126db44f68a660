package junitout

import (
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/runforge/runforge/internal/alerts"
	"github.com/runforge/runforge/internal/executor"
)

func f64(v float64) *float64 { return &v }

func sampleRecord(success bool) *executor.Record {
	rec := &executor.Record{
		ScriptPath:      "/tmp/bench.sh",
		Success:         success,
		DurationSeconds: 1.234,
		Stdout:          "ran fine\n",
	}
	if !success {
		rec.ExitCode = 2
		rec.Error = "exit status 2"
		rec.Stderr = "boom\n"
	}
	return rec
}

func TestWriteSuccessWithPassingGate(t *testing.T) {
	gates := []alerts.Gate{{MetricName: "execution_time_seconds", MaxValue: f64(60)}}

	var buf bytes.Buffer
	if err := Write(&buf, sampleRecord(true), nil, gates); err != nil {
		t.Fatalf("write: %v", err)
	}

	var suite struct {
		Tests    int `xml:"tests,attr"`
		Failures int `xml:"failures,attr"`
		Cases    []struct {
			Name    string `xml:"name,attr"`
			Failure *struct {
				Message string `xml:"message,attr"`
			} `xml:"failure"`
		} `xml:"testcase"`
	}
	if err := xml.Unmarshal(buf.Bytes(), &suite); err != nil {
		t.Fatalf("unmarshal report: %v\n%s", err, buf.String())
	}
	if suite.Tests != 2 || suite.Failures != 0 {
		t.Fatalf("counts: %+v", suite)
	}
	if suite.Cases[0].Name != "execution" || suite.Cases[1].Name != "gate:execution_time_seconds" {
		t.Fatalf("cases: %+v", suite.Cases)
	}
	if !strings.HasPrefix(buf.String(), xml.Header) {
		t.Fatal("missing xml header")
	}
}

func TestWriteFailureAndFailedGate(t *testing.T) {
	gate := alerts.Gate{MetricName: "execution_time_seconds", MaxValue: f64(1)}
	failures := []alerts.GateFailure{{Gate: gate, Observed: 1.234}}

	var buf bytes.Buffer
	if err := Write(&buf, sampleRecord(false), failures, []alerts.Gate{gate}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, `failures="2"`) {
		t.Fatalf("failure count: %s", out)
	}
	if !strings.Contains(out, `message="exit code 2"`) {
		t.Fatalf("execution failure: %s", out)
	}
	if !strings.Contains(out, "exceeds max 1") {
		t.Fatalf("gate failure text: %s", out)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xml")
	if err := WriteFile(path, sampleRecord(true), nil, nil); err != nil {
		t.Fatalf("write file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), "<testsuite") {
		t.Fatalf("report body: %s", data)
	}
}
