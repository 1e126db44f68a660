// Package junitout renders an execution record and its gate results as a
// JUnit XML report, for CI systems that ingest that format. Built on
// encoding/xml; the format is simple enough that no external JUnit library
// earns its place.
package junitout

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"github.com/runforge/runforge/internal/alerts"
	"github.com/runforge/runforge/internal/executor"
)

type testSuite struct {
	XMLName  xml.Name   `xml:"testsuite"`
	Name     string     `xml:"name,attr"`
	Tests    int        `xml:"tests,attr"`
	Failures int        `xml:"failures,attr"`
	Time     string     `xml:"time,attr"`
	Cases    []testCase `xml:"testcase"`
}

type testCase struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      string   `xml:"time,attr"`
	Failure   *failure `xml:"failure,omitempty"`
	SystemOut string   `xml:"system-out,omitempty"`
	SystemErr string   `xml:"system-err,omitempty"`
}

type failure struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

// Write renders the report: one case for the execution itself and one per
// performance gate.
func Write(w io.Writer, rec *executor.Record, gateFailures []alerts.GateFailure, gates []alerts.Gate) error {
	suite := testSuite{
		Name: rec.ScriptPath,
		Time: fmt.Sprintf("%.3f", rec.DurationSeconds),
	}

	execCase := testCase{
		Name:      "execution",
		ClassName: rec.ScriptPath,
		Time:      fmt.Sprintf("%.3f", rec.DurationSeconds),
		SystemOut: rec.Stdout,
		SystemErr: rec.Stderr,
	}
	if !rec.Success {
		execCase.Failure = &failure{
			Message: fmt.Sprintf("exit code %d", rec.ExitCode),
			Body:    rec.Error,
		}
	}
	suite.Cases = append(suite.Cases, execCase)

	failed := make(map[string]alerts.GateFailure, len(gateFailures))
	for _, f := range gateFailures {
		failed[f.Gate.MetricName] = f
	}
	for _, g := range gates {
		gc := testCase{
			Name:      "gate:" + g.MetricName,
			ClassName: rec.ScriptPath,
			Time:      "0.000",
		}
		if f, ok := failed[g.MetricName]; ok {
			gc.Failure = &failure{Message: f.String()}
		}
		suite.Cases = append(suite.Cases, gc)
	}

	suite.Tests = len(suite.Cases)
	for _, c := range suite.Cases {
		if c.Failure != nil {
			suite.Failures++
		}
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(suite); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteFile writes the report to path, creating or truncating it.
func WriteFile(path string, rec *executor.Record, gateFailures []alerts.GateFailure, gates []alerts.Gate) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create junit report: %w", err)
	}
	defer f.Close()
	return Write(f, rec, gateFailures, gates)
}
