package country

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

// PopulationImport is the outcome of loading a population reference workbook.
type PopulationImport struct {
	Updated    int
	Unresolved []string
}

// ImportPopulationXLSX loads population figures from a reference workbook
// (first sheet, header row, country name or code in the first column and
// population in the second) and applies them to the registry. Rows naming
// countries the registry cannot resolve are reported, not fatal.
func (r *Registry) ImportPopulationXLSX(path string) (*PopulationImport, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "country: open population workbook")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("country: population workbook has no sheets")
	}

	result := &PopulationImport{}
	for i, row := range f.Sheets[0].Rows {
		if i == 0 || len(row.Cells) < 2 {
			continue
		}
		name := strings.TrimSpace(row.Cells[0].String())
		popStr := strings.ReplaceAll(strings.TrimSpace(row.Cells[1].String()), ",", "")
		if name == "" || popStr == "" {
			continue
		}

		pop, err := strconv.ParseInt(popStr, 10, 64)
		if err != nil || pop < 0 {
			zap.L().Warn("country: bad population value",
				zap.String("country", name),
				zap.String("value", popStr),
			)
			continue
		}

		code, ok := r.Resolve(name)
		if !ok {
			result.Unresolved = append(result.Unresolved, name)
			continue
		}

		c := r.byCode[code]
		c.Population = &pop
		result.Updated++
	}

	return result, nil
}
