package store

import (
	"fmt"

	"github.com/clinic/importer/internal/platform/db"
)

// CheckForeignKeys compares the declared references with the foreign keys
// the migrations create and describes every disagreement. Purge leaves
// cascading to the database, so a mismatch makes a reset delete more or
// less than the entity descriptors say.
func CheckForeignKeys(fks []db.ForeignKey) []string {
	byColumn := make(map[string]db.ForeignKey, len(fks))
	for _, fk := range fks {
		byColumn[fk.Table+"."+fk.Column] = fk
	}

	var problems []string
	for _, et := range All {
		for _, ref := range et.References {
			col := et.Table + "." + ref.Column
			fk, ok := byColumn[col]
			if !ok {
				problems = append(problems, fmt.Sprintf("%s: no foreign key to %s", col, ref.Target.Table))
				continue
			}
			want := "SET NULL"
			if ref.Cascade {
				want = "CASCADE"
			}
			if fk.RefTable != ref.Target.Table || fk.OnDelete != want {
				problems = append(problems, fmt.Sprintf("%s: REFERENCES %s ON DELETE %s, want %s ON DELETE %s",
					col, fk.RefTable, fk.OnDelete, ref.Target.Table, want))
			}
		}
	}
	return problems
}
