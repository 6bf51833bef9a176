package archive

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
	"github.com/terrylica/crypto-kline-vision-data/internal/timeutil"
)

// parseZip decompresses the single-entry archive ZIP from memory and parses
// its CSV rows. No temp files are materialized.
func parseZip(payload []byte, iv timeutil.Interval) ([]frame.Candle, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	if len(zr.File) != 1 {
		return nil, fmt.Errorf("expected single-entry zip, found %d entries", len(zr.File))
	}

	rc, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %s: %w", zr.File[0].Name, err)
	}
	defer rc.Close()

	return parseCSV(rc, iv)
}

// parseCSV reads archive kline rows. Legacy files carry no header; newer
// ones may. The header is detected by sniffing whether the first field of
// the first row parses as an integer timestamp.
func parseCSV(r io.Reader, iv timeutil.Interval) ([]frame.Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var candles []frame.Candle
	var unit time.Duration
	first := true

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if first {
			first = false
			if _, err := strconv.ParseInt(rec[0], 10, 64); err != nil {
				continue // header row
			}
		}
		if len(rec) < 11 {
			continue
		}

		if unit == 0 {
			unit, err = timestampUnit(rec[0])
			if err != nil {
				return nil, err
			}
		}

		c, err := parseRow(rec, unit, iv)
		if err != nil {
			continue
		}
		candles = append(candles, c)
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("no parseable rows")
	}
	return candles, nil
}

// timestampUnit auto-detects timestamp granularity from the digit count:
// 13 digits are milliseconds, 16 are microseconds.
func timestampUnit(field string) (time.Duration, error) {
	switch len(field) {
	case 13:
		return time.Millisecond, nil
	case 16:
		return time.Microsecond, nil
	}
	return 0, fmt.Errorf("cannot detect timestamp granularity of %q (%d digits)", field, len(field))
}

// Archive CSV column order:
// open_time, open, high, low, close, volume, close_time, quote_asset_volume,
// number_of_trades, taker_buy_base_volume, taker_buy_quote_volume, ignore
func parseRow(rec []string, unit time.Duration, iv timeutil.Interval) (frame.Candle, error) {
	openRaw, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return frame.Candle{}, err
	}
	openTime := time.Unix(0, openRaw*int64(unit)).UTC()

	floats := make([]float64, 0, 8)
	for _, i := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
		v, err := strconv.ParseFloat(rec[i], 64)
		if err != nil {
			return frame.Candle{}, err
		}
		floats = append(floats, v)
	}
	trades, err := strconv.ParseInt(rec[8], 10, 64)
	if err != nil {
		return frame.Candle{}, err
	}

	return frame.Candle{
		OpenTime:            openTime,
		Open:                floats[0],
		High:                floats[1],
		Low:                 floats[2],
		Close:               floats[3],
		Volume:              floats[4],
		CloseTime:           frame.CloseTimeFor(openTime, iv),
		QuoteAssetVolume:    floats[5],
		TradeCount:          trades,
		TakerBuyBaseVolume:  floats[6],
		TakerBuyQuoteVolume: floats[7],
	}, nil
}
