package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"hlsfetch/internal/cache"
	"hlsfetch/internal/config"
	"hlsfetch/internal/decrypt"
	"hlsfetch/internal/fetch"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
	"hlsfetch/internal/parse"
	"hlsfetch/internal/transport"
)

func main() {
	// 1. Parse command-line arguments
	configFile := flag.String("c", "streams.json", "Path to the stream config file")
	logLevel := flag.String("L", "info", "Log level (error, warn, info, debug)")
	maxSegments := flag.Int("n", 5, "Maximum media segments to probe per stream")
	flag.Parse()

	// 2. Initialize logger
	log := logger.NewLogger(*logLevel)
	log.Infof("Starting segment probe...")

	// 3. Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	log.Infof("Configuration loaded successfully for: %s", cfg.Name)

	// 4. Initialize the pipeline collaborators
	ht := transport.NewHTTP(nil, log, cfg.UserAgent)

	decClient, worker := decrypt.NewLoopback(log)
	defer decClient.Close()
	defer worker.Stop()

	initCache := cache.New(log, 2*time.Minute, 30*time.Second)
	initCache.Start()
	defer initCache.Stop()

	// 5. Probe each configured stream in turn
	failures := 0
	for _, stream := range cfg.Streams {
		if err := probeStream(log, ht, decClient, initCache, cfg.UserAgent, stream, *maxSegments); err != nil {
			log.Errorf("Probe of stream '%s' failed: %v", stream.Name, err)
			failures++
		}
	}
	if failures > 0 {
		os.Exit(1)
	}
	log.Infof("Probe finished")
}

// probeStream fetches the stream's media playlist and runs its first
// segments through the pipeline, logging per-segment transport statistics.
func probeStream(log logger.Logger, ht *transport.HTTP, decClient *decrypt.Client, initCache *cache.InitCache, userAgent string, stream config.Stream, maxSegments int) error {
	log.Infof("Probing stream '%s' from %s", stream.Name, stream.PlaylistURL)

	base, err := url.Parse(stream.PlaylistURL)
	if err != nil {
		return fmt.Errorf("failed to parse playlist URL: %w", err)
	}

	media, err := fetchMediaPlaylist(stream.PlaylistURL, userAgent)
	if err != nil {
		return err
	}

	// One dispatcher (and thus one transmuxer) per track, shared across
	// the track's segments.
	dispatcher := parse.New(log, collectParser{}, passMuxer{})
	coord := fetch.NewCoordinator(log, dispatcher)

	probed := 0
	for _, ms := range media.Segments {
		if ms == nil {
			continue
		}
		if probed >= maxSegments {
			break
		}

		seg, initCached, err := buildSegment(base, media, ms, stream, initCache)
		if err != nil {
			return err
		}

		var outputBytes int
		done := make(chan *fetch.Error, 1)
		coord.RequestSegment(ht, transport.Options{}, decClient, seg, fetch.Callbacks{
			OnData: func(_ *models.Segment, chunk models.OutputChunk) {
				outputBytes += len(chunk.Data)
			},
			OnDone: func(ferr *fetch.Error, _ *models.Segment) {
				done <- ferr
			},
		})

		if ferr := <-done; ferr != nil {
			log.Warnf("Segment %s failed: %v", seg.URI, ferr)
			probed++
			continue
		}

		if seg.Map != nil && !initCached && len(seg.Map.Bytes) > 0 {
			initCache.Set(seg.Map.URI, seg.Map.Bytes)
		}

		log.Infof("Segment %s: %d bytes in %v (%.0f bps), %d output bytes",
			seg.URI,
			seg.Stats.BytesReceived,
			seg.Stats.RoundTripTime,
			seg.Stats.BandwidthEstimate,
			outputBytes)
		probed++
	}

	log.Infof("Stream '%s': probed %d segment(s)", stream.Name, probed)
	return nil
}

// fetchMediaPlaylist downloads and parses a media playlist.
func fetchMediaPlaylist(playlistURL, userAgent string) (*m3u8.MediaPlaylist, error) {
	req, err := http.NewRequest(http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create playlist request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist fetch received status %d", resp.StatusCode)
	}

	pl, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected a media playlist at %s", playlistURL)
	}
	return media, nil
}

// buildSegment turns one playlist entry into a segment descriptor. Returns
// whether the init segment came from the cache.
func buildSegment(base *url.URL, pl *m3u8.MediaPlaylist, ms *m3u8.MediaSegment, stream config.Stream, initCache *cache.InitCache) (*models.Segment, bool, error) {
	segURL, err := resolveURL(base, ms.URI)
	if err != nil {
		return nil, false, err
	}

	seg := &models.Segment{URI: segURL}
	if ms.Limit > 0 {
		seg.Range = &models.ByteRange{Offset: ms.Offset, Length: ms.Limit}
	}

	plKey := ms.Key
	if plKey == nil {
		plKey = pl.Key
	}
	if plKey != nil && strings.EqualFold(plKey.Method, "AES-128") {
		keyURL := stream.KeyURL
		if keyURL == "" {
			keyURL, err = resolveURL(base, plKey.URI)
			if err != nil {
				return nil, false, err
			}
		}
		key := &models.Key{URI: keyURL}
		if iv, ok := parseIV(plKey.IV, stream.IV); ok {
			key.IV = iv
		} else {
			// HLS convention: the IV defaults to the media sequence number.
			binary.BigEndian.PutUint64(key.IV[8:], ms.SeqId)
		}
		seg.Key = key
	}

	plMap := ms.Map
	if plMap == nil {
		plMap = pl.Map
	}
	initCached := false
	if plMap != nil {
		mapURL, err := resolveURL(base, plMap.URI)
		if err != nil {
			return nil, false, err
		}
		initSeg := &models.InitSegment{URI: mapURL}
		if plMap.Limit > 0 {
			initSeg.Range = &models.ByteRange{Offset: plMap.Offset, Length: plMap.Limit}
		}
		if data, found := initCache.Get(mapURL); found {
			initSeg.Bytes = data
			initCached = true
		}
		seg.Map = initSeg
	}

	return seg, initCached, nil
}

// parseIV picks the explicit IV: the configured override wins, then the
// playlist's 0x-prefixed hex IV.
func parseIV(playlistIV string, configIV []byte) ([16]byte, bool) {
	var iv [16]byte
	if len(configIV) == 16 {
		copy(iv[:], configIV)
		return iv, true
	}
	if playlistIV != "" {
		decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(playlistIV, "0x"), "0X"))
		if err == nil && len(decoded) == 16 {
			copy(iv[:], decoded)
			return iv, true
		}
	}
	return iv, false
}

// resolveURL resolves a path against a base URL, handling potential errors.
func resolveURL(base *url.URL, path string) (string, error) {
	resolved, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("failed to parse path '%s': %w", path, err)
	}
	return base.ResolveReference(resolved).String(), nil
}
