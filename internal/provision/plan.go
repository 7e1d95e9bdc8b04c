package provision

// RollbackPlan is everything rollback has to undo. It is computed from the
// snapshot and the run's own bookkeeping, never from guesses about the guest.
type RollbackPlan struct {
	ConfigPath     string
	RestoreConfig  []byte
	RemovePackages []string
	DeleteFiles    []string
	RestoreFiles   []FileRestore
	RemoveUsers    []string
	Reindex        bool
}

// FileRestore is a file the run replaced. Backup holds the original content
// until rollback moves it back to Original.
type FileRestore struct {
	Original string `json:"original"`
	Backup   string `json:"backup"`
}

// RollbackReport records what rollback actually did.
type RollbackReport struct {
	RestoredConfig    bool     `json:"restored_config"`
	RemovedPackages   []string `json:"removed_packages,omitempty"`
	UnremovedPackages []string `json:"unremoved_packages,omitempty"`
	DeletedFiles      []string `json:"deleted_files,omitempty"`
	RestoredFiles     []string `json:"restored_files,omitempty"`
	RemovedUsers      []string `json:"removed_users,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// Changes is the run's record of guest mutations that are not visible in
// the package database.
type Changes struct {
	Files   []string
	Restore []FileRestore
	Users   []string
	Reindex bool
}

// PlanRollback diffs the installed set after the run against the snapshot.
// Only packages the run added are removed; packages present in the snapshot
// are never touched, even when the run upgraded them. A path that is put back
// from a backup is never deleted.
func PlanRollback(before Snapshot, after PackageSet, changes Changes) RollbackPlan {
	restored := make(map[string]struct{}, len(changes.Restore))
	var restores []FileRestore
	for _, r := range changes.Restore {
		if _, ok := restored[r.Original]; ok || r.Original == "" || r.Backup == "" {
			continue
		}
		restored[r.Original] = struct{}{}
		restores = append(restores, r)
	}
	var files []string
	for _, file := range dedupe(changes.Files) {
		if _, ok := restored[file]; !ok {
			files = append(files, file)
		}
	}
	return RollbackPlan{
		ConfigPath:     before.ConfigPath,
		RestoreConfig:  before.Config,
		RemovePackages: after.Difference(before.Installed),
		DeleteFiles:    files,
		RestoreFiles:   restores,
		RemoveUsers:    dedupe(changes.Users),
		Reindex:        changes.Reindex,
	}
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok || value == "" {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
