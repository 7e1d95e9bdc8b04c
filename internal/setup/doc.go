// Package setup checks that the host can drive the selected virtualization
// layer before a run starts. Every failure is reported as a
// *provision.EnvironmentError so the CLI can tell missing tooling apart from a
// failed run.
//
// Like the other one-shot host scripts, this package logs through a package
// level logger configured with SetLogger.
package setup
