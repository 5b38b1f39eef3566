package pfndb

import "keyronex/internal/util"

// Memory-availability thresholds. All require the PFN lock.

// FreePagesLow: below this, allocations are made by stealing a page.
func (db *DB) FreePagesLow() bool {
	return db.stat.NFree < 64
}

// AvailPagesVeryLow: below this, all nonessential allocations are
// disallowed.
func (db *DB) AvailPagesVeryLow() bool {
	return db.stat.NFree+db.stat.NStandby < 96
}

// AvailPagesLow: below this, the balance set scheduler runs
// enthusiastically.
func (db *DB) AvailPagesLow() bool {
	return db.stat.NFree+db.stat.NStandby < 168
}

// AvailPagesFairlyLow: below this, the modified page writer runs
// enthusiastically.
func (db *DB) AvailPagesFairlyLow() bool {
	return db.stat.NFree+db.stat.NStandby <
		util.Max(int64(384), db.stat.NTotal/256)
}

func (db *DB) writerShouldRun() bool {
	if db.stat.NModified >= 16 && db.AvailPagesFairlyLow() {
		return true
	}
	return db.stat.NModified >= db.stat.NTotal/128
}

// updateEvents wakes the balance-set manager and the modified-page writer
// when their thresholds trip (vmp_update_events). Called after every
// state change that can lower availability; PFN lock held.
func (db *DB) updateEvents() {
	if db.AvailPagesLow() && db.BalanceSetWake != nil {
		db.BalanceSetWake()
	}
	if db.writerShouldRun() && db.WriterWake != nil {
		db.WriterWake()
	}
}

// PlentifulPages reports whether free pages abound (vm_plentiful_pages); PFN lock held.
func (db *DB) PlentifulPages() bool {
	return db.stat.NReservedFree >= 256
}

// AdequatePages reports whether an allocation is worth attempting
// (vm_adequate_pages); PFN lock held.
func (db *DB) AdequatePages() bool {
	return db.stat.NReservedFree >= 64
}
