// Package provision brings a freshly created Arch guest to a provisioned state:
// it installs packages, builds local recipes into a local pacman repository,
// creates an administrative user, and undoes its own changes when any step
// fails. When the undo cannot be completed the guest is destroyed.
//
// A Provisioner is single-use and strictly sequential. The guest's package
// database and the local repository directory are shared resources inside the
// guest, so no step runs concurrently with another.
package provision
