package store

import (
	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
)

// Category names one time-series table of observations.
type Category string

// Observation categories. Each maps to a table keyed by (page, captured_at).
const (
	CategoryAvailability     Category = "availability"
	CategoryLoadTime         Category = "load_time"
	CategoryTTFB             Category = "ttfb"
	CategoryNumRequests      Category = "num_requests"
	CategoryTotalBytes       Category = "total_bytes"
	CategoryImagesCount      Category = "images_count"
	CategoryImagesMissingAlt Category = "images_missing_alt"
	CategoryLinksCount       Category = "links_count"
	CategoryWordCount        Category = "word_count"
	CategorySEOBasic         Category = "seo_basic"
	CategoryResources        Category = "resources"
)

// Categories lists every category in write order.
var Categories = []Category{
	CategoryAvailability,
	CategoryLoadTime,
	CategoryTTFB,
	CategoryNumRequests,
	CategoryTotalBytes,
	CategoryImagesCount,
	CategoryImagesMissingAlt,
	CategoryLinksCount,
	CategoryWordCount,
	CategorySEOBasic,
	CategoryResources,
}

// Field is one column value of an observation row. Nil values are stored as NULL.
type Field struct {
	Column string
	Value  any
}

// Observation is one row destined for the table named by Category.
type Observation struct {
	Category Category
	Fields   []Field
}

// Columns returns the column names in order.
func (o Observation) Columns() []string {
	cols := make([]string, len(o.Fields))
	for i, f := range o.Fields {
		cols[i] = f.Column
	}
	return cols
}

// Values returns the column values in order.
func (o Observation) Values() []any {
	vals := make([]any, len(o.Fields))
	for i, f := range o.Fields {
		vals[i] = f.Value
	}
	return vals
}

// ObservationsFor flattens a result into observation rows. A failed audit
// produces only an availability row carrying the error.
func ObservationsFor(r audit.Result) []Observation {
	if r.Failed() {
		return []Observation{{
			Category: CategoryAvailability,
			Fields: []Field{
				{Column: "status_code", Value: nil},
				{Column: "final_url", Value: nil},
				{Column: "error", Value: r.Error},
			},
		}}
	}

	obs := []Observation{
		{Category: CategoryAvailability, Fields: []Field{
			{Column: "status_code", Value: intOrNil(r.StatusCode)},
			{Column: "final_url", Value: r.FinalURL},
			{Column: "error", Value: nil},
		}},
		{Category: CategoryLoadTime, Fields: []Field{
			{Column: "total_load_ms", Value: int64OrNil(r.TotalLoadMs)},
		}},
		{Category: CategoryTTFB, Fields: []Field{
			{Column: "ttfb_ms", Value: int64OrNil(r.TTFBMs)},
		}},
		{Category: CategoryNumRequests, Fields: []Field{
			{Column: "requests_count", Value: r.NumRequests},
		}},
		{Category: CategoryTotalBytes, Fields: []Field{
			{Column: "bytes", Value: r.TotalBytes},
		}},
		{Category: CategoryImagesCount, Fields: []Field{
			{Column: "images_count", Value: r.ImagesCount},
		}},
		{Category: CategoryImagesMissingAlt, Fields: []Field{
			{Column: "missing_alt_count", Value: r.ImagesMissingAlt},
		}},
		{Category: CategoryLinksCount, Fields: []Field{
			{Column: "links_total", Value: r.LinksTotal},
			{Column: "internal_links", Value: r.InternalLinks},
			{Column: "external_links", Value: r.ExternalLinks},
		}},
		{Category: CategoryWordCount, Fields: []Field{
			{Column: "words", Value: r.WordCount},
		}},
		{Category: CategorySEOBasic, Fields: []Field{
			{Column: "title", Value: r.Title},
			{Column: "has_title", Value: r.HasTitle},
			{Column: "meta_description", Value: stringOrNil(r.MetaDescription)},
			{Column: "has_meta_description", Value: r.HasMetaDescription},
		}},
	}
	for _, res := range r.Resources {
		obs = append(obs, Observation{Category: CategoryResources, Fields: []Field{
			{Column: "resource_url", Value: res.URL},
			{Column: "resource_type", Value: res.Type},
			{Column: "status_code", Value: intOrNil(res.StatusCode)},
			{Column: "size_bytes", Value: res.SizeBytes},
		}})
	}
	return obs
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64OrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
