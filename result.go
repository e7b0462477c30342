// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Series is one series of a statement result as returned by the server.
type Series struct {
	Name    string            `json:"name"`
	Tags    map[string]string `json:"tags,omitempty"`
	Columns []string          `json:"columns"`
	Values  [][]interface{}   `json:"values,omitempty"`
	Partial bool              `json:"partial,omitempty"`
}

// Row holds the values of one point keyed by column, with the series tags
// merged in.  Numbers are json.Number.
type Row map[string]interface{}

// Result is the outcome of one statement.
type Result struct {
	StatementID int      `json:"statement_id"`
	Series      []Series `json:"series,omitempty"`

	// Err is the server's description of a failed statement.
	Err string `json:"error,omitempty"`

	// Rows holds the series regrouped by measurement name.  It is set only
	// for the json format.
	Rows map[string][]Row `json:"-"`
}

// Response is the outcome of a query request.  Failed statements do not
// cause the request to fail; check StatementError().
type Response struct {
	Results []Result `json:"results,omitempty"`

	// Err is set when the server rejected the request as a whole.
	Err string `json:"error,omitempty"`

	// Format is the reshaping that was applied.
	Format string `json:"-"`

	// CSV holds the response body for the csv format, in which case
	// Results is empty.
	CSV string `json:"-"`
}

// StatementError returns an ErrStatement error describing the first failed
// statement, or nil.
func (r *Response) StatementError() error {
	if r.Err != "" {
		return fmt.Errorf("%w: %s", ErrStatement, r.Err)
	}
	for _, res := range r.Results {
		if res.Err != "" {
			return fmt.Errorf("%w: statement %d: %s", ErrStatement,
				res.StatementID, res.Err)
		}
	}
	return nil
}

// Rows combines the regrouped rows of every result.  It is nil unless the
// json format was applied.
func (r *Response) Rows() map[string][]Row {
	var rv map[string][]Row
	for _, res := range r.Results {
		for name, rows := range res.Rows {
			if rv == nil {
				rv = make(map[string][]Row)
			}
			rv[name] = append(rv[name], rows...)
		}
	}
	return rv
}

// regroup converts the series of a result into rows grouped by measurement
// name.
func regroup(series []Series) map[string][]Row {
	rv := make(map[string][]Row)
	for _, s := range series {
		rows := rv[s.Name]
		for _, vals := range s.Values {
			row := make(Row, len(s.Tags)+len(s.Columns))
			for k, v := range s.Tags {
				row[k] = v
			}
			for i, col := range s.Columns {
				if i < len(vals) {
					row[col] = vals[i]
				}
			}
			rows = append(rows, row)
		}
		rv[s.Name] = rows
	}
	return rv
}

// decodeResponse interprets a query response body according to format.
func decodeResponse(body []byte, format string) (*Response, error) {
	rv := &Response{
		Format: format,
	}
	if format == svcInfluxCfg.FormatCSV {
		rv.CSV = string(body)
		return rv, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(rv); err != nil {
		return nil, fmt.Errorf("%w: decode response: %s", ErrNetwork, err.Error())
	}
	sort.SliceStable(rv.Results, func(i, j int) bool {
		return rv.Results[i].StatementID < rv.Results[j].StatementID
	})
	if format == svcInfluxCfg.FormatJSON {
		for i := range rv.Results {
			rv.Results[i].Rows = regroup(rv.Results[i].Series)
		}
	}
	return rv, nil
}
