package handlers

import (
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	dbpkg "sitepulse/internal/db"
)

// liveWindow is the trailing window for the "right now" user count,
// measured from the moment of the request, independent of the range.
const liveWindow = 60 * time.Second

const defaultRange = 7 * 24 * time.Hour

// parseSummaryRange reads from/to/bucket from the query string. Unparseable
// dates silently fall back to the defaults (now-7d, now); an inverted or
// empty range is an error. Bucket is "hour" or "day", defaulting to day.
func parseSummaryRange(ctx *fasthttp.RequestCtx, now time.Time) (from, to time.Time, bucket string, ok bool) {
	to = now
	from = now.Add(-defaultRange)

	if v := string(ctx.QueryArgs().Peek("from")); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t.UTC()
		}
	}
	if v := string(ctx.QueryArgs().Peek("to")); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t.UTC()
		}
	}

	bucket = "day"
	if string(ctx.QueryArgs().Peek("bucket")) == "hour" {
		bucket = "hour"
	}

	if !to.After(from) {
		return from, to, bucket, false
	}
	return from, to, bucket, true
}

type summaryKPIs struct {
	PageViews        int64   `json:"pageViews"`
	Visitors         int64   `json:"visitors"`
	ActiveTimeSec    int64   `json:"activeTimeSec"`
	AvgActiveTimeSec float64 `json:"avgActiveTimeSec"`
}

type seriesPoint struct {
	Bucket    string `json:"bucket"`
	Visitors  int64  `json:"visitors"`
	PageViews int64  `json:"pageViews"`
}

type topPage struct {
	Path             string  `json:"path"`
	Views            int64   `json:"views"`
	AvgActiveTimeSec float64 `json:"avgActiveTimeSec"`
}

type labelCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// SummaryHandler computes the dashboard summary for an explicit [from, to)
// UTC range, entirely on demand; there is no pre-aggregation. The KPI
// block and the live-user count run concurrently; the several read queries
// composing one response are each correct as of their own execution time
// and are not snapshot-isolated against live writes, which is acceptable
// for analytics data.
func SummaryHandler(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		now := time.Now().UTC()
		from, to, bucket, ok := parseSummaryRange(ctx, now)
		if !ok {
			failResponse(ctx, fasthttp.StatusBadRequest, "to must be after from")
			return
		}

		inRange := func(q *gorm.DB) *gorm.DB {
			return q.Where("occurred >= ? AND occurred < ?", from, to)
		}

		var kpis summaryKPIs
		var liveUsers int64

		var g errgroup.Group
		g.Go(func() error {
			if err := inRange(db.Model(&dbpkg.Event{})).
				Where("kind = ?", dbpkg.KindPageView).
				Count(&kpis.PageViews).Error; err != nil {
				return err
			}
			if err := inRange(db.Model(&dbpkg.Event{})).
				Select("COUNT(DISTINCT visitor_id)").
				Scan(&kpis.Visitors).Error; err != nil {
				return err
			}
			if err := inRange(db.Model(&dbpkg.Event{})).
				Where("kind = ?", dbpkg.KindHeartbeat).
				Select("COALESCE(SUM(active_seconds), 0)").
				Scan(&kpis.ActiveTimeSec).Error; err != nil {
				return err
			}
			// Aggregate active time is normalized over all visitors in
			// range, not just those that produced heartbeats.
			if kpis.Visitors > 0 {
				kpis.AvgActiveTimeSec = float64(kpis.ActiveTimeSec) / float64(kpis.Visitors)
			}
			return nil
		})
		g.Go(func() error {
			return db.Model(&dbpkg.Event{}).
				Where("kind = ? AND occurred >= ?", dbpkg.KindHeartbeat, now.Add(-liveWindow)).
				Select("COUNT(DISTINCT visitor_id)").
				Scan(&liveUsers).Error
		})
		if err := g.Wait(); err != nil {
			failResponse(ctx, fasthttp.StatusInternalServerError, "failed to query summary")
			return
		}

		series, err := querySeries(db, from, to, bucket)
		if err != nil {
			failResponse(ctx, fasthttp.StatusInternalServerError, "failed to query series")
			return
		}

		pages, err := queryTopPages(db, from, to)
		if err != nil {
			failResponse(ctx, fasthttp.StatusInternalServerError, "failed to query top pages")
			return
		}

		sources, err := querySources(db, from, to)
		if err != nil {
			failResponse(ctx, fasthttp.StatusInternalServerError, "failed to query sources")
			return
		}

		devices := map[string][]labelCount{}
		for col, key := range map[string]string{"device_type": "type", "browser": "browser", "os": "os"} {
			rows, err := queryBreakdown(db, from, to, col, "")
			if err != nil {
				failResponse(ctx, fasthttp.StatusInternalServerError, "failed to query devices")
				return
			}
			devices[key] = rows
		}

		geo := map[string][]labelCount{}
		for col, key := range map[string]string{"country": "countries", "city": "cities"} {
			rows, err := queryBreakdown(db, from, to, col, dbpkg.KindPageView)
			if err != nil {
				failResponse(ctx, fasthttp.StatusInternalServerError, "failed to query geo")
				return
			}
			geo[key] = rows
		}

		jsonResponse(ctx, map[string]any{
			"range":    map[string]any{"from": from.Format(time.RFC3339), "to": to.Format(time.RFC3339), "bucket": bucket},
			"kpis":     kpis,
			"live":     map[string]any{"users": liveUsers},
			"series":   series,
			"topPages": pages,
			"sources":  sources,
			"devices":  devices,
			"geo":      geo,
		})
	}
}

// querySeries buckets visitors and page views by truncating the event
// timestamp to the requested granularity. Raw SQL so GROUP BY is never
// parameterized; bucket is constrained to hour/day by the parser.
func querySeries(db *gorm.DB, from, to time.Time, bucket string) ([]seriesPoint, error) {
	bucketExpr := `date_trunc('` + bucket + `', occurred)`
	sql := `SELECT to_char(` + bucketExpr + `, 'YYYY-MM-DD"T"HH24:MI:SS') || 'Z' AS bucket,
		count(DISTINCT visitor_id) AS visitors,
		count(*) FILTER (WHERE kind = 'page_view') AS page_views
		FROM events WHERE occurred >= ? AND occurred < ?
		GROUP BY ` + bucketExpr + ` ORDER BY 1`

	rows := []seriesPoint{}
	if err := db.Raw(sql, from, to).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func queryTopPages(db *gorm.DB, from, to time.Time) ([]topPage, error) {
	pages := []topPage{}
	if err := db.Model(&dbpkg.Event{}).
		Where("kind = ? AND occurred >= ? AND occurred < ?", dbpkg.KindPageView, from, to).
		Select("path AS path, count(*) AS views").
		Group("path").
		Order("count(*) DESC").
		Limit(20).
		Scan(&pages).Error; err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return pages, nil
	}

	paths := make([]string, 0, len(pages))
	for _, p := range pages {
		paths = append(paths, p.Path)
	}

	type secsRow struct {
		Path string
		Secs int64
	}
	var secs []secsRow
	if err := db.Model(&dbpkg.Event{}).
		Where("kind = ? AND occurred >= ? AND occurred < ?", dbpkg.KindHeartbeat, from, to).
		Where("path IN ?", paths).
		Select("path AS path, COALESCE(SUM(active_seconds), 0) AS secs").
		Group("path").
		Scan(&secs).Error; err != nil {
		return nil, err
	}

	byPath := make(map[string]int64, len(secs))
	for _, s := range secs {
		byPath[s.Path] = s.Secs
	}
	for i := range pages {
		if pages[i].Views > 0 {
			pages[i].AvgActiveTimeSec = float64(byPath[pages[i].Path]) / float64(pages[i].Views)
		}
	}
	return pages, nil
}

// querySources labels each page view with the first non-empty of UTM
// source, raw referrer, or "direct".
func querySources(db *gorm.DB, from, to time.Time) ([]labelCount, error) {
	rows := []labelCount{}
	err := db.Raw(`SELECT COALESCE(NULLIF(utm_source, ''), NULLIF(referrer, ''), 'direct') AS name,
		count(*) AS count
		FROM events WHERE kind = 'page_view' AND occurred >= ? AND occurred < ?
		GROUP BY 1 ORDER BY count DESC LIMIT 15`, from, to).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// queryBreakdown ranks the distinct values of column by event count,
// mapping unset values to "unknown". An empty kind spans all event kinds.
// column is always one of the fixed names supplied by SummaryHandler,
// never caller input.
func queryBreakdown(db *gorm.DB, from, to time.Time, column, kind string) ([]labelCount, error) {
	sql := `SELECT COALESCE(NULLIF(` + column + `, ''), 'unknown') AS name, count(*) AS count
		FROM events WHERE occurred >= ? AND occurred < ?`
	args := []any{from, to}
	if kind != "" {
		sql += ` AND kind = ?`
		args = append(args, kind)
	}
	sql += ` GROUP BY 1 ORDER BY count DESC LIMIT 15`

	rows := []labelCount{}
	if err := db.Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
