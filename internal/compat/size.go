package compat

import (
	"github.com/dustin/go-humanize"

	"modusnapd/pkg/types"
)

// SizeEstimator answers download-size questions from a catalog-provided
// id-to-kilobytes table. Items absent from the table count as unknown.
type SizeEstimator struct {
	KBByID map[string]int64
}

// Estimate totals the batch.
func (e *SizeEstimator) Estimate(items []types.CatalogItem) types.SizeEstimateResponse {
	resp := types.SizeEstimateResponse{Total: len(items)}
	for _, item := range items {
		r := types.SizeEstimateResult{Key: item.Key(), Title: item.Title}
		if kb, ok := e.lookup(item); ok {
			r.KB = kb
			r.Known = true
			r.Human = humanize.Bytes(uint64(kb) * 1024)
			resp.KnownCount++
			resp.TotalKB += kb
		} else {
			resp.UnknownCount++
		}
		resp.Results = append(resp.Results, r)
	}
	resp.TotalGB = float64(resp.TotalKB) / (1024 * 1024)
	resp.TotalHuman = humanize.Bytes(uint64(resp.TotalKB) * 1024)
	return resp
}

func (e *SizeEstimator) lookup(item types.CatalogItem) (int64, bool) {
	if e.KBByID == nil {
		return 0, false
	}
	if kb, ok := e.KBByID[item.ID]; ok {
		return kb, true
	}
	if kb, ok := e.KBByID[item.Key()]; ok {
		return kb, true
	}
	return 0, false
}
