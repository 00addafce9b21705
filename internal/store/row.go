package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shardtask/shardtask/pkg/types"
)

// itemColumns is the shared column list, in the order scanItem expects.
const itemColumns = "id, user_id, project_id, parent_id, title, description, status, priority, depth, due_date, completed_at, ai_generated, created_at, updated_at"

func nsOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func uuidOrNil(u *uuid.UUID) interface{} {
	if u == nil {
		return nil
	}
	return u.String()
}

func timeFromNs(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// itemArgs returns the insert arguments matching itemColumns.
func itemArgs(it *types.Item) []interface{} {
	var desc interface{}
	if it.Description != "" {
		desc = it.Description
	}
	return []interface{}{
		it.ID.String(),
		it.UserID.String(),
		uuidOrNil(it.ProjectID),
		uuidOrNil(it.ParentID),
		it.Title,
		desc,
		string(it.Status),
		it.Priority,
		it.Depth,
		nsOrNil(it.DueDate),
		nsOrNil(it.CompletedAt),
		boolToInt(it.AIGenerated),
		it.CreatedAt.UTC().UnixNano(),
		it.UpdatedAt.UTC().UnixNano(),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanItem reads one item row. When withArchived is true the row carries a
// trailing archived_at column (archive partitions).
func scanItem(sc rowScanner, withArchived bool) (*types.Item, error) {
	var (
		it          types.Item
		idStr       string
		userStr     string
		projectStr  sql.NullString
		parentStr   sql.NullString
		description sql.NullString
		status      string
		dueNs       sql.NullInt64
		completedNs sql.NullInt64
		aiGenerated int
		createdNs   int64
		updatedNs   int64
		archivedNs  sql.NullInt64
	)

	dest := []interface{}{
		&idStr, &userStr, &projectStr, &parentStr, &it.Title, &description,
		&status, &it.Priority, &it.Depth, &dueNs, &completedNs, &aiGenerated,
		&createdNs, &updatedNs,
	}
	if withArchived {
		dest = append(dest, &archivedNs)
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt item id %q: %w", idStr, err)
	}
	userID, err := uuid.Parse(userStr)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt tenant key %q: %w", userStr, err)
	}
	it.ID = id
	it.UserID = userID

	if projectStr.Valid {
		p, err := uuid.Parse(projectStr.String)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt project id %q: %w", projectStr.String, err)
		}
		it.ProjectID = &p
	}
	if parentStr.Valid {
		p, err := uuid.Parse(parentStr.String)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt parent id %q: %w", parentStr.String, err)
		}
		it.ParentID = &p
	}
	if description.Valid {
		it.Description = description.String
	}
	it.Status = types.Status(status)
	if dueNs.Valid {
		t := time.Unix(0, dueNs.Int64).UTC()
		it.DueDate = &t
	}
	if completedNs.Valid {
		t := time.Unix(0, completedNs.Int64).UTC()
		it.CompletedAt = &t
	}
	it.AIGenerated = aiGenerated != 0
	it.CreatedAt = time.Unix(0, createdNs).UTC()
	it.UpdatedAt = time.Unix(0, updatedNs).UTC()
	if archivedNs.Valid {
		t := time.Unix(0, archivedNs.Int64).UTC()
		it.ArchivedAt = &t
	}
	return &it, nil
}

// collectItems drains a result set through scanItem.
func collectItems(rows *sql.Rows, withArchived bool) ([]*types.Item, error) {
	defer rows.Close()

	var items []*types.Item
	for rows.Next() {
		it, err := scanItem(rows, withArchived)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
