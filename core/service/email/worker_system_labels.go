// Package email executes user-initiated mutations (read/star/move/delete,
// label apply, thread fan-out) against the upstream provider with optimistic
// local updates and rollback on upstream failure.
package email

import (
	"context"
	"strings"

	"mailworker/core/domain"
	"mailworker/core/port/out"
)

// systemLabelSet - 폴더/별표에서 파생되는 라벨만 갈아끼운다
var systemLabelSet = map[string]bool{
	domain.SystemLabelInbox:   true,
	domain.SystemLabelSent:    true,
	domain.SystemLabelSpam:    true,
	domain.SystemLabelTrash:   true,
	domain.SystemLabelDrafts:  true,
	domain.SystemLabelStarred: true,
}

// mergeSystemLabels replaces the system-label subset of flags with the set
// derived from folder and starred state, preserving custom flags.
func mergeSystemLabels(flags []string, folderPath string, starred bool) []string {
	out := make([]string, 0, len(flags)+2)
	for _, f := range flags {
		if !systemLabelSet[strings.ToUpper(f)] {
			out = append(out, f)
		}
	}
	return append(out, domain.SystemLabelsFor(folderPath, starred)...)
}

// syncSystemLabels refreshes the local system-label rows after a folder or
// starred change.
func syncSystemLabels(ctx context.Context, repo out.MessageRepository, m *domain.Message) error {
	m.Flags = mergeSystemLabels(m.Flags, m.FolderPath, m.IsStarred)
	return repo.UpdateFlags(ctx, m.ID, m.IsRead, m.IsStarred, m.Flags)
}
