package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/terrylica/crypto-kline-vision-data/internal/frame"
)

// Metadata keys embedded in each cache file's schema.
const (
	metaSchemaVersion = "schema_version"
	metaSource        = "source"
	metaSymbol        = "symbol"
	metaInterval      = "interval"
	metaMarketType    = "market_type"
	metaDate          = "date"
	metaRowCount      = "row_count"
	metaContentSHA256 = "content_sha256"
	metaMinOpenTimeNS = "min_open_time_ns"
	metaMaxOpenTimeNS = "max_open_time_ns"
)

func candleFields() []arrow.Field {
	return []arrow.Field{
		{Name: "open_time", Type: arrow.PrimitiveTypes.Int64},
		{Name: "open", Type: arrow.PrimitiveTypes.Float64},
		{Name: "high", Type: arrow.PrimitiveTypes.Float64},
		{Name: "low", Type: arrow.PrimitiveTypes.Float64},
		{Name: "close", Type: arrow.PrimitiveTypes.Float64},
		{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
		{Name: "close_time", Type: arrow.PrimitiveTypes.Int64},
		{Name: "quote_asset_volume", Type: arrow.PrimitiveTypes.Float64},
		{Name: "trade_count", Type: arrow.PrimitiveTypes.Int64},
		{Name: "taker_buy_base_volume", Type: arrow.PrimitiveTypes.Float64},
		{Name: "taker_buy_quote_volume", Type: arrow.PrimitiveTypes.Float64},
	}
}

// ContentChecksum computes the SHA-256 over a canonical binary encoding of
// the frame's rows. The checksum covers row content only, never file bytes,
// so it can be embedded in the file's own metadata.
func ContentChecksum(f frame.Frame) string {
	h := sha256.New()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	writeFloat := func(v float64) {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	for _, c := range f.Candles {
		writeInt(c.OpenTime.UnixNano())
		writeFloat(c.Open)
		writeFloat(c.High)
		writeFloat(c.Low)
		writeFloat(c.Close)
		writeFloat(c.Volume)
		writeInt(c.CloseTime.UnixNano())
		writeFloat(c.QuoteAssetVolume)
		writeInt(c.TradeCount)
		writeFloat(c.TakerBuyBaseVolume)
		writeFloat(c.TakerBuyQuoteVolume)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// encodeFrame writes the frame as a single-record Arrow IPC file with the
// entry's metadata header.
func encodeFrame(w io.WriteSeeker, k Key, f frame.Frame, source string) error {
	return encodeFrameWithChecksum(w, k, f, source, ContentChecksum(f))
}

func encodeFrameWithChecksum(w io.WriteSeeker, k Key, f frame.Frame, source, checksum string) error {
	minNS, maxNS := int64(0), int64(0)
	if len(f.Candles) > 0 {
		minNS = f.Candles[0].OpenTime.UnixNano()
		maxNS = f.Candles[len(f.Candles)-1].OpenTime.UnixNano()
	}

	md := arrow.NewMetadata(
		[]string{
			metaSchemaVersion, metaSource, metaSymbol, metaInterval, metaMarketType,
			metaDate, metaRowCount, metaContentSHA256, metaMinOpenTimeNS, metaMaxOpenTimeNS,
		},
		[]string{
			SchemaVersion, source, k.Symbol, k.Interval.String(), k.Market.Type.String(),
			k.Day.String(), strconv.Itoa(len(f.Candles)), checksum,
			strconv.FormatInt(minNS, 10), strconv.FormatInt(maxNS, 10),
		},
	)
	schema := arrow.NewSchema(candleFields(), &md)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for _, c := range f.Candles {
		b.Field(0).(*array.Int64Builder).Append(c.OpenTime.UnixNano())
		b.Field(1).(*array.Float64Builder).Append(c.Open)
		b.Field(2).(*array.Float64Builder).Append(c.High)
		b.Field(3).(*array.Float64Builder).Append(c.Low)
		b.Field(4).(*array.Float64Builder).Append(c.Close)
		b.Field(5).(*array.Float64Builder).Append(c.Volume)
		b.Field(6).(*array.Int64Builder).Append(c.CloseTime.UnixNano())
		b.Field(7).(*array.Float64Builder).Append(c.QuoteAssetVolume)
		b.Field(8).(*array.Int64Builder).Append(c.TradeCount)
		b.Field(9).(*array.Float64Builder).Append(c.TakerBuyBaseVolume)
		b.Field(10).(*array.Float64Builder).Append(c.TakerBuyQuoteVolume)
	}

	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("create arrow writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("write arrow record: %w", err)
	}
	return fw.Close()
}

// fileMetadata is the decoded header of a cache file.
type fileMetadata struct {
	SchemaVersion string
	Source        string
	Symbol        string
	Interval      string
	MarketType    string
	Date          string
	RowCount      int
	ContentSHA256 string
	MinOpenTimeNS int64
	MaxOpenTimeNS int64
}

func decodeMetadata(md arrow.Metadata) (fileMetadata, error) {
	get := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("metadata key %q missing", key)
		}
		return md.Values()[i], nil
	}

	var out fileMetadata
	var err error
	if out.SchemaVersion, err = get(metaSchemaVersion); err != nil {
		return out, err
	}
	if out.Source, err = get(metaSource); err != nil {
		return out, err
	}
	if out.Symbol, err = get(metaSymbol); err != nil {
		return out, err
	}
	if out.Interval, err = get(metaInterval); err != nil {
		return out, err
	}
	if out.MarketType, err = get(metaMarketType); err != nil {
		return out, err
	}
	if out.Date, err = get(metaDate); err != nil {
		return out, err
	}
	rc, err := get(metaRowCount)
	if err != nil {
		return out, err
	}
	if out.RowCount, err = strconv.Atoi(rc); err != nil {
		return out, fmt.Errorf("malformed row_count %q: %w", rc, err)
	}
	if out.ContentSHA256, err = get(metaContentSHA256); err != nil {
		return out, err
	}
	minNS, err := get(metaMinOpenTimeNS)
	if err != nil {
		return out, err
	}
	if out.MinOpenTimeNS, err = strconv.ParseInt(minNS, 10, 64); err != nil {
		return out, fmt.Errorf("malformed min_open_time_ns %q: %w", minNS, err)
	}
	maxNS, err := get(metaMaxOpenTimeNS)
	if err != nil {
		return out, err
	}
	if out.MaxOpenTimeNS, err = strconv.ParseInt(maxNS, 10, 64); err != nil {
		return out, fmt.Errorf("malformed max_open_time_ns %q: %w", maxNS, err)
	}
	return out, nil
}

// decodeFrame reads an Arrow IPC cache file back into a frame plus its
// metadata header. No integrity checks happen here; the store layers them.
func decodeFrame(r ipc.ReadAtSeeker, k Key) (frame.Frame, fileMetadata, error) {
	mem := memory.NewGoAllocator()
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return frame.Frame{}, fileMetadata{}, fmt.Errorf("open arrow file: %w", err)
	}
	defer fr.Close()

	meta, err := decodeMetadata(fr.Schema().Metadata())
	if err != nil {
		return frame.Frame{}, fileMetadata{}, err
	}

	out := frame.Frame{Symbol: k.Symbol, Interval: k.Interval}
	for {
		rec, err := fr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return frame.Frame{}, meta, fmt.Errorf("read arrow record: %w", err)
		}
		n := int(rec.NumRows())
		openTimes := rec.Column(0).(*array.Int64)
		opens := rec.Column(1).(*array.Float64)
		highs := rec.Column(2).(*array.Float64)
		lows := rec.Column(3).(*array.Float64)
		closes := rec.Column(4).(*array.Float64)
		volumes := rec.Column(5).(*array.Float64)
		closeTimes := rec.Column(6).(*array.Int64)
		quoteVols := rec.Column(7).(*array.Float64)
		tradeCounts := rec.Column(8).(*array.Int64)
		takerBase := rec.Column(9).(*array.Float64)
		takerQuote := rec.Column(10).(*array.Float64)

		for i := 0; i < n; i++ {
			out.Candles = append(out.Candles, frame.Candle{
				OpenTime:            time.Unix(0, openTimes.Value(i)).UTC(),
				Open:                opens.Value(i),
				High:                highs.Value(i),
				Low:                 lows.Value(i),
				Close:               closes.Value(i),
				Volume:              volumes.Value(i),
				CloseTime:           time.Unix(0, closeTimes.Value(i)).UTC(),
				QuoteAssetVolume:    quoteVols.Value(i),
				TradeCount:          tradeCounts.Value(i),
				TakerBuyBaseVolume:  takerBase.Value(i),
				TakerBuyQuoteVolume: takerQuote.Value(i),
			})
		}
	}
	return out, meta, nil
}
