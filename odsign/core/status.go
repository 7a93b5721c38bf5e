package core

import (
	"github.com/edgelesssys/odsign/odsign/rt"
)

// Properties through which init and the zygote learn about the outcome.
const (
	propVerificationDone    = "odsign.verification.done"
	propKeyDone             = "odsign.key.done"
	propVerificationSuccess = "odsign.verification.success"
	propStopService         = "ctl.stop"

	verificationValid = "1"
	verificationError = "0"

	serviceName = "odsign"
)

// BootStatusReporter publishes the boot status to the rest of the system.
type BootStatusReporter interface {
	// KeyNoLongerNeeded tells init that the signing key won't be used anymore this boot.
	KeyNoLongerNeeded() error
	// VerificationDone publishes whether the artifacts can be trusted.
	VerificationDone(success bool) error
	// RequestNoRestart asks init not to restart odsign.
	RequestNoRestart() error
}

// PropertyReporter is a BootStatusReporter backed by system properties.
type PropertyReporter struct {
	rt rt.Runtime
}

// NewPropertyReporter creates a PropertyReporter.
func NewPropertyReporter(runtime rt.Runtime) *PropertyReporter {
	return &PropertyReporter{rt: runtime}
}

// KeyNoLongerNeeded tells init that the signing key won't be used anymore this boot.
func (p *PropertyReporter) KeyNoLongerNeeded() error {
	return p.rt.SetProperty(propKeyDone, "1")
}

// VerificationDone publishes whether the artifacts can be trusted. The status is set
// before the done flag so readers never see done without a status.
func (p *PropertyReporter) VerificationDone(success bool) error {
	status := verificationError
	if success {
		status = verificationValid
	}
	if err := p.rt.SetProperty(propVerificationSuccess, status); err != nil {
		return err
	}
	return p.rt.SetProperty(propVerificationDone, "1")
}

// RequestNoRestart asks init not to restart odsign.
func (p *PropertyReporter) RequestNoRestart() error {
	return p.rt.SetProperty(propStopService, serviceName)
}
