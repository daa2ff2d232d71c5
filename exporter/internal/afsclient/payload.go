package afsclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

// quotaResponse is the upstream payload. dir_quota_list must be present.
type quotaResponse struct {
	DirQuotaList *[]quotaItem `json:"dir_quota_list"`
}

type quotaItem struct {
	VolumeID              string    `json:"volume_id"`
	DirPath               *string   `json:"dir_path"`
	FileQuantityQuota     *flexUint `json:"file_quantity_quota"`
	FileQuantityUsedQuota *flexUint `json:"file_quantity_used_quota"`
	CapacityQuota         *flexUint `json:"capacity_quota"`
	CapacityUsedQuota     *flexUint `json:"capacity_used_quota"`
	State                 *int      `json:"state"`
}

// flexUint decodes a non-negative integer sent either as a JSON number or as
// a numeric string.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	s := string(b)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		*f = flexUint(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v != math.Trunc(v) || v >= math.MaxUint64 {
		return fmt.Errorf("not a non-negative integer: %s", s)
	}
	*f = flexUint(v)
	return nil
}

// decodeQuotas parses body into records for vol. Records carry the configured
// volume id and zone so labels always match the collection target.
func decodeQuotas(body []byte, vol types.VolumeRef) ([]types.DirectoryQuota, error) {
	var resp quotaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if resp.DirQuotaList == nil {
		return nil, errors.New("payload has no dir_quota_list")
	}

	items := *resp.DirQuotaList
	out := make([]types.DirectoryQuota, 0, len(items))
	for i, it := range items {
		if err := it.check(); err != nil {
			return nil, fmt.Errorf("dir_quota_list[%d]: %w", i, err)
		}
		out = append(out, types.DirectoryQuota{
			VolumeID:           vol.VolumeID,
			Zone:               vol.Zone,
			DirPath:            *it.DirPath,
			FileQuantityUsed:   uint64(*it.FileQuantityUsedQuota),
			FileQuantityQuota:  uint64(*it.FileQuantityQuota),
			CapacityUsedBytes:  uint64(*it.CapacityUsedQuota),
			CapacityQuotaBytes: uint64(*it.CapacityQuota),
			State:              types.StateFromUpstream(*it.State),
		})
	}
	return out, nil
}

func (it *quotaItem) check() error {
	switch {
	case it.DirPath == nil:
		return errors.New("missing dir_path")
	case it.FileQuantityQuota == nil:
		return errors.New("missing file_quantity_quota")
	case it.FileQuantityUsedQuota == nil:
		return errors.New("missing file_quantity_used_quota")
	case it.CapacityQuota == nil:
		return errors.New("missing capacity_quota")
	case it.CapacityUsedQuota == nil:
		return errors.New("missing capacity_used_quota")
	case it.State == nil:
		return errors.New("missing state")
	}
	return nil
}
