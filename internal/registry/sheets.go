package registry

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// rowOrder is the fixed column order UpdateRow writes values in for
// each tab this registry understands. A key absent from a row's values
// is left blank rather than failing the write.
var rowOrder = map[string][]string{
	"season_rules": {"id", "expression", "effect"},
	"products":     {"id", "name", "description", "price", "tags", "fuzzy_keywords"},
	"canned":       {"id", "trigger", "response", "category"},
}

// GoogleSheetsFetcher reads tabs from a single spreadsheet by title,
// using a service-account credentials file.
type GoogleSheetsFetcher struct {
	svc     *sheets.Service
	sheetID string
}

func NewGoogleSheetsFetcher(ctx context.Context, sheetID, credentialsPath string) (*GoogleSheetsFetcher, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	} else {
		creds, err := google.FindDefaultCredentials(ctx, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("knowledge registry: no sheets credentials available: %w", err)
		}
		opts = append(opts, option.WithCredentials(creds))
	}

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("knowledge registry: sheets client init: %w", err)
	}
	return &GoogleSheetsFetcher{svc: svc, sheetID: sheetID}, nil
}

// UpdateRow writes values into the row whose first column matches
// rowID, appending a new row if none matches. Column order is fixed
// per tab (rowOrder), and values keys not named there are not written.
// For a tab with no rowOrder entry only rowID is written, to column A.
func (f *GoogleSheetsFetcher) UpdateRow(ctx context.Context, tab, rowID string, values map[string]interface{}) error {
	order, ok := rowOrder[tab]
	if !ok {
		order = []string{"id"}
	}
	row := make([]interface{}, len(order))
	for i, key := range order {
		if key == "id" {
			row[i] = rowID
			continue
		}
		row[i] = values[key]
	}

	existing, err := f.svc.Spreadsheets.Values.Get(f.sheetID, tab).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("knowledge registry: read tab %q for update: %w", tab, err)
	}
	for i, rec := range existing.Values {
		if len(rec) > 0 {
			if id, _ := rec[0].(string); id == rowID {
				rng := fmt.Sprintf("%s!A%d", tab, i+1)
				_, err := f.svc.Spreadsheets.Values.Update(f.sheetID, rng, &sheets.ValueRange{Values: [][]interface{}{row}}).
					ValueInputOption("RAW").Context(ctx).Do()
				if err != nil {
					return fmt.Errorf("knowledge registry: update row %q in tab %q: %w", rowID, tab, err)
				}
				return nil
			}
		}
	}

	_, err = f.svc.Spreadsheets.Values.Append(f.sheetID, tab, &sheets.ValueRange{Values: [][]interface{}{row}}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("knowledge registry: append row to tab %q: %w", tab, err)
	}
	return nil
}

func (f *GoogleSheetsFetcher) FetchTab(ctx context.Context, title string) ([][]string, error) {
	resp, err := f.svc.Spreadsheets.Values.Get(f.sheetID, title).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("knowledge registry: fetch tab %q: %w", title, err)
	}
	rows := make([][]string, len(resp.Values))
	for i, rec := range resp.Values {
		row := make([]string, len(rec))
		for j, cell := range rec {
			row[j], _ = cell.(string)
		}
		rows[i] = row
	}
	return rows, nil
}
