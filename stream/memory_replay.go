package stream

import (
	"fmt"
	"sort"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/pkg/codec"
)

// applyRecord replays one journal record onto an unshared Memory.
func (m *Memory) applyRecord(rec journalRecord) error {
	switch rec.Op {
	case opAppend:
		if !m.lastID.Less(rec.ID) {
			return nil
		}
		r, err := decodeRecord(rec.ID, rec.Payload, rec.At)
		if err != nil {
			return err
		}
		m.entries = append(m.entries, r)
		m.lastID = rec.ID

	case opDeliver:
		g, ok := m.groups[rec.Group]
		if !ok {
			return fmt.Errorf("%w: deliver to unknown group %q", errors.ErrDataCorrupted, rec.Group)
		}
		at := time.Unix(0, rec.At)
		for _, id := range rec.IDs {
			if m.lookupLocked(id) == nil {
				continue
			}
			c, ok := g.pending[id]
			if !ok {
				c = &claim{}
				g.pending[id] = c
			}
			c.consumer = rec.Consumer
			c.deliveries++
			c.deliveredAt = at
			if g.lastDelivered.Less(id) {
				g.lastDelivered = id
			}
		}

	case opAck:
		if g, ok := m.groups[rec.Group]; ok {
			for _, id := range rec.IDs {
				delete(g.pending, id)
			}
		}

	case opGroup:
		if _, ok := m.groups[rec.Group]; !ok {
			m.groups[rec.Group] = &group{
				name:          rec.Group,
				lastDelivered: rec.ID,
				visibility:    time.Duration(rec.Visibility),
				pending:       make(map[ID]*claim),
			}
		}

	case opTrim:
		drop := make(map[ID]struct{}, len(rec.IDs))
		for _, id := range rec.IDs {
			drop[id] = struct{}{}
		}
		kept := m.entries[:0]
		for _, r := range m.entries {
			if _, ok := drop[r.id]; !ok {
				kept = append(kept, r)
			}
		}
		m.entries = kept

	case opSnapshot:
		if rec.Snapshot == nil {
			return fmt.Errorf("%w: empty snapshot record", errors.ErrDataCorrupted)
		}
		return m.restoreSnapshot(rec.Snapshot)

	default:
		return fmt.Errorf("%w: unknown journal op %d", errors.ErrDataCorrupted, rec.Op)
	}
	return nil
}

func decodeRecord(id ID, payload []byte, at int64) (*record, error) {
	var ev event.Event
	if err := codec.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %v", errors.ErrDataCorrupted, id, err)
	}
	return &record{id: id, payload: payload, ev: ev, appendedAt: time.Unix(0, at)}, nil
}

func (m *Memory) restoreSnapshot(snap *journalSnapshot) error {
	entries := make([]*record, 0, len(snap.Entries))
	for _, se := range snap.Entries {
		r, err := decodeRecord(se.ID, se.Payload, se.At)
		if err != nil {
			return err
		}
		entries = append(entries, r)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id.Less(entries[j].id) })

	groups := make(map[string]*group, len(snap.Groups))
	for _, sg := range snap.Groups {
		g := &group{
			name:          sg.Name,
			lastDelivered: sg.LastDelivered,
			visibility:    time.Duration(sg.Visibility),
			pending:       make(map[ID]*claim, len(sg.Pending)),
		}
		for _, sc := range sg.Pending {
			c := &claim{consumer: sc.Consumer, deliveries: sc.Deliveries}
			if sc.At != 0 {
				c.deliveredAt = time.Unix(0, sc.At)
			}
			g.pending[sc.ID] = c
		}
		groups[sg.Name] = g
	}

	m.entries = entries
	m.groups = groups
	m.lastID = snap.LastID
	return nil
}

// snapshotLocked captures the full stream state. Callers hold m.mu.
func (m *Memory) snapshotLocked() journalRecord {
	snap := &journalSnapshot{
		LastID:  m.lastID,
		Entries: make([]snapshotEntry, 0, len(m.entries)),
		Groups:  make([]snapshotGroup, 0, len(m.groups)),
	}
	for _, r := range m.entries {
		snap.Entries = append(snap.Entries, snapshotEntry{ID: r.id, Payload: r.payload, At: r.appendedAt.UnixNano()})
	}
	for _, g := range m.groups {
		sg := snapshotGroup{
			Name:          g.name,
			LastDelivered: g.lastDelivered,
			Visibility:    int64(g.visibility),
			Pending:       make([]snapshotClaim, 0, len(g.pending)),
		}
		for id, c := range g.pending {
			sc := snapshotClaim{ID: id, Consumer: c.consumer, Deliveries: c.deliveries}
			if !c.deliveredAt.IsZero() {
				sc.At = c.deliveredAt.UnixNano()
			}
			sg.Pending = append(sg.Pending, sc)
		}
		sort.Slice(sg.Pending, func(i, j int) bool { return sg.Pending[i].ID.Less(sg.Pending[j].ID) })
		snap.Groups = append(snap.Groups, sg)
	}
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].Name < snap.Groups[j].Name })
	return journalRecord{Op: opSnapshot, Snapshot: snap}
}
