package checksum

import (
	"fmt"
	"strings"

	"github.com/block/reshard/pkg/utils"
)

const columnsQuery = `SELECT COLUMN_NAME FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND GENERATION_EXPRESSION = ''
ORDER BY ORDINAL_POSITION`

// checksumQuery returns the order independent checksum of a whole table.
// ISNULL distinguishes a NULL from an empty string.
func checksumQuery(table string, cols []string) string {
	parts := make([]string, 0, len(cols)*2)
	for _, col := range cols {
		quoted := utils.QuoteIdentifier(col)
		parts = append(parts,
			fmt.Sprintf("IFNULL(%s, '')", quoted),
			fmt.Sprintf("ISNULL(%s)", quoted),
		)
	}
	return fmt.Sprintf(
		"SELECT BIT_XOR(CRC32(CONCAT(%s))) as checksum, COUNT(*) as c FROM %s",
		strings.Join(parts, ", "),
		utils.QuoteIdentifier(table),
	)
}

// intersectColumns keeps the source order of the columns both sides have.
func intersectColumns(source, target []string) []string {
	var intersection []string
	for _, col := range source {
		for _, col2 := range target {
			if col == col2 {
				intersection = append(intersection, col)
				break
			}
		}
	}
	return intersection
}
