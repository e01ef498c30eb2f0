package terrain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"balloon_tracker/internal/logging"
)

// srtmVoid marks a sample with no data.
const srtmVoid = -32768

// SRTMSource reads 1x1 degree .hgt tiles from a directory. Tiles are loaded
// on first use and kept in memory; a missing tile is remembered as missing.
type SRTMSource struct {
	dir string
	log zerolog.Logger

	mu    sync.Mutex
	tiles map[string]*tile
}

type tile struct {
	size    int
	samples []int16
}

// NewSRTMSource returns a source over dir.
func NewSRTMSource(dir string) *SRTMSource {
	return &SRTMSource{
		dir:   dir,
		log:   logging.With("terrain-srtm"),
		tiles: make(map[string]*tile),
	}
}

func (s *SRTMSource) Name() string { return "srtm" }

// TileName returns the tile covering a coordinate, e.g. N45W094.hgt.
func TileName(lat, lon float64) string {
	la, lo := int(math.Floor(lat)), int(math.Floor(lon))
	ns, ew := 'N', 'E'
	if la < 0 {
		ns, la = 'S', -la
	}
	if lo < 0 {
		ew, lo = 'W', -lo
	}
	return fmt.Sprintf("%c%02d%c%03d.hgt", ns, la, ew, lo)
}

func (s *SRTMSource) GroundElevation(_ context.Context, lat, lon float64) (float64, bool) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, false
	}
	t := s.tile(TileName(lat, lon))
	if t == nil {
		return 0, false
	}
	return t.at(lat-math.Floor(lat), lon-math.Floor(lon))
}

func (s *SRTMSource) tile(name string) *tile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tiles[name]; ok {
		return t
	}
	t, err := loadTile(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn().Err(err).Str("tile", name).Msg("unreadable tile")
	}
	s.tiles[name] = t
	return t
}

func loadTile(path string) (*tile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var size int
	switch len(data) {
	case 1201 * 1201 * 2:
		size = 1201
	case 3601 * 3601 * 2:
		size = 3601
	default:
		return nil, fmt.Errorf("read %s: unexpected size %d", path, len(data))
	}
	samples := make([]int16, size*size)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(data[2*i:]))
	}
	return &tile{size: size, samples: samples}, nil
}

// at samples the nearest post. fy and fx are the fractional offsets from the
// tile's south-west corner; rows run north to south.
func (t *tile) at(fy, fx float64) (float64, bool) {
	last := float64(t.size - 1)
	row := int(math.Round((1 - fy) * last))
	col := int(math.Round(fx * last))
	v := t.samples[row*t.size+col]
	if v == srtmVoid {
		return 0, false
	}
	return float64(v), true
}
