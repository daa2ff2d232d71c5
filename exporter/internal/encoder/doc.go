// Package encoder renders a types.Snapshot in the Prometheus text exposition
// format (version 0.0.4).
//
// Families are built one at a time as dto.MetricFamily values and written
// with expfmt through a single buffered writer, so memory grows with the
// number of records in one family and never with the size of the text.
// Output is deterministic: volumes are ordered by (volume_id, zone) and
// directories by dir_path.
//
// Quota values of 0 mean unlimited upstream and are exported as 0.
// Utilization families are only emitted for quotas above 0.
package encoder
