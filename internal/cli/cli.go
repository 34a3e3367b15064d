// Package cli drives one report-assembly workflow from the command line:
// upload, diagnoses, assessment and final report, rendered as text.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/medinsight-report-assembler/internal/artifact"
	"github.com/medinsight-report-assembler/internal/config"
	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/logging"
	"github.com/medinsight-report-assembler/internal/presentation"
	"github.com/medinsight-report-assembler/internal/workflow"
	"github.com/medinsight-report-assembler/pkg/backend"
)

// ErrUsage is returned when the command line is incomplete
var ErrUsage = errors.New("usage error")

// Options are the parsed command line inputs
type Options struct {
	ImagePath        string
	DocumentPath     string
	Protocol         string
	Assessment       string
	Edit             string
	ConfigFile       string
	DiseaseInfo      bool
	RemoveTreatments []string
}

// CLI runs the report-assembly command
type CLI struct {
	out    io.Writer
	errOut io.Writer
}

// New creates a CLI writing the report to out and diagnostics to errOut
func New(out, errOut io.Writer) *CLI {
	return &CLI{out: out, errOut: errOut}
}

// Run parses args and executes one workflow
func (c *CLI) Run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("report-assembler", pflag.ContinueOnError)
	flags.SetOutput(c.errOut)

	var opts Options
	flags.StringVar(&opts.ImagePath, "image", "", "medical image (PNG, JPEG or DICOM)")
	flags.StringVar(&opts.DocumentPath, "document", "", "clinical document (PDF)")
	flags.StringVar(&opts.Protocol, "protocol", "", "analysis protocol: "+protocolList())
	flags.StringVar(&opts.Assessment, "assessment", "", "doctor's assessment; the generated suggestion is accepted when empty")
	flags.StringVar(&opts.Edit, "edit", "", "line appended to the generated suggestion before submitting")
	flags.StringVar(&opts.ConfigFile, "config", "", "configuration file")
	flags.BoolVar(&opts.DiseaseInfo, "disease-info", false, "print the protocol's disease reference entry first")
	flags.StringSliceVar(&opts.RemoveTreatments, "remove-treatment", nil, "recommended treatment to drop from the report (repeatable)")
	flags.String("backend.base_url", "", "analysis backend base URL")
	flags.String("logging.level", "", "log level")

	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	manager, err := config.NewManager(config.WithConfigFile(opts.ConfigFile), config.WithFlags(flags))
	if err != nil {
		return err
	}
	if err := manager.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := manager.GetConfig()

	// stdout carries the report
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	stack := backend.NewStack(ctx, cfg.Backend, cfg.Cache, prometheus.NewRegistry(), logger)
	defer stack.Close()

	if opts.DiseaseInfo {
		if err := c.describe(ctx, opts, stack.Client); err != nil {
			return err
		}
	}
	return c.Execute(ctx, opts, stack.Backend(), artifact.NewPreparer(cfg.Artifact, logger), logger)
}

// Execute runs the workflow against b and renders the outcome
func (c *CLI) Execute(ctx context.Context, opts Options, b domain.AnalysisBackend, preparer *artifact.Preparer, logger *logrus.Logger) error {
	req, err := c.uploadRequest(opts, preparer)
	if err != nil {
		return err
	}

	ctrl := workflow.New(b, logger)
	defer ctrl.Close()

	if _, err := ctrl.SubmitUpload(ctx, req); err != nil {
		return stageFailure(ctrl, domain.StageUpload, err)
	}
	if err := ctrl.Wait(ctx); err != nil {
		return err
	}

	snap := ctrl.Snapshot()
	if snap.Diagnoses == nil {
		return stageFailure(ctrl, domain.StageDiagnoses, nil)
	}
	c.printAnalysis(snap)
	if err := presentation.RenderDiagnoses(c.out, snap.Diagnoses); err != nil {
		return err
	}
	fmt.Fprintln(c.out)

	if err := c.assess(ctx, ctrl, opts); err != nil {
		return err
	}
	if len(opts.RemoveTreatments) > 0 {
		review := domain.TreatmentReview{Changes: make(map[string]domain.TreatmentChange)}
		for _, name := range opts.RemoveTreatments {
			review.Changes[domain.TreatmentID(name)] = domain.TreatmentChange{Action: domain.TreatmentRemove}
		}
		if _, err := ctrl.ReviewTreatments(ctx, review); err != nil {
			return stageFailure(ctrl, domain.StageTreatments, err)
		}
	}

	report, err := ctrl.SubmitReport(ctx)
	if err != nil {
		return stageFailure(ctrl, domain.StageReport, err)
	}

	snap = ctrl.Snapshot()
	return presentation.RenderReport(c.out, report, *snap.Facts)
}

// assess fills the doctor's assessment: the explicit text when given,
// otherwise the generated suggestion, optionally extended.
func (c *CLI) assess(ctx context.Context, ctrl *workflow.Controller, opts Options) error {
	if strings.TrimSpace(opts.Assessment) != "" {
		return ctrl.SetDoctorInput(opts.Assessment)
	}

	if err := ctrl.OpenAssessmentPanel(ctx); err != nil {
		return stageFailure(ctrl, domain.StageSuggestion, err)
	}
	if opts.Edit == "" {
		return ctrl.AcceptSuggestion()
	}

	if err := ctrl.EditSuggestion(); err != nil {
		return err
	}
	draft := ctrl.Snapshot().DoctorInput
	return ctrl.SetDoctorInput(draft + "\n" + opts.Edit)
}

// describe prints the disease reference entry of the selected protocol
func (c *CLI) describe(ctx context.Context, opts Options, catalog domain.DiseaseCatalog) error {
	protocol, err := domain.ParseProtocol(opts.Protocol)
	if err != nil {
		return fmt.Errorf("%w: %v (choose one of %s)", ErrUsage, err, protocolList())
	}
	info, err := catalog.DiseaseInfo(ctx, protocol)
	if err != nil {
		return fmt.Errorf("disease information unavailable: %s", domain.UserMessage(err, err.Error()))
	}
	if err := presentation.RenderDiseaseInfo(c.out, protocol, info); err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out)
	return err
}

func (c *CLI) uploadRequest(opts Options, preparer *artifact.Preparer) (domain.UploadRequest, error) {
	if opts.ImagePath == "" || opts.DocumentPath == "" {
		return domain.UploadRequest{}, fmt.Errorf("%w: %s", ErrUsage, domain.MsgMissingArtifacts)
	}
	protocol, err := domain.ParseProtocol(opts.Protocol)
	if err != nil {
		return domain.UploadRequest{}, fmt.Errorf("%w: %v (choose one of %s)", ErrUsage, err, protocolList())
	}

	image, err := artifact.LoadFile(opts.ImagePath)
	if err != nil {
		return domain.UploadRequest{}, err
	}
	if image, err = preparer.PrepareImage(image); err != nil {
		return domain.UploadRequest{}, err
	}

	document, err := artifact.LoadFile(opts.DocumentPath)
	if err != nil {
		return domain.UploadRequest{}, err
	}
	if document, err = preparer.PrepareDocument(document); err != nil {
		return domain.UploadRequest{}, err
	}

	return domain.UploadRequest{Image: image, Document: document, Protocol: protocol}, nil
}

func (c *CLI) printAnalysis(snap workflow.Snapshot) {
	a := snap.Analysis
	fmt.Fprintf(c.out, "Imaging: %s (%s, %s)\n", presentation.DiagnosisLabel(a), a.Imaging.Confidence, a.Imaging.ModelType)
	fmt.Fprintf(c.out, "Document: %s, %d pages\n", a.Document.FileName, a.Document.PageCount)
	if snap.Facts != nil {
		fmt.Fprintf(c.out, "Severity: %s\n", presentation.SeverityLabel(snap.Facts.Severity))
	}
	fmt.Fprintln(c.out)
}

// stageFailure prefers the message the workflow stored for stage
func stageFailure(ctrl *workflow.Controller, stage domain.Stage, err error) error {
	if msg := ctrl.Snapshot().StageError(stage); msg != "" {
		return errors.New(msg)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s failed", stage)
}

func protocolList() string {
	var names []string
	for _, p := range domain.Protocols() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

// Main runs the command and returns the process exit code
func Main(ctx context.Context, args []string) int {
	if err := New(os.Stdout, os.Stderr).Run(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
