package media

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
)

const jpegQuality = 75

// videoSource drives one mediadevices video driver (camera or screen) and
// yields JPEG-encoded frames, per §4.3's "self-contained JPEG frames".
type videoSource struct {
	d      driver.Driver
	reader video.Reader
}

// openCamera opens the first available camera at 640x480 ~15fps.
func openCamera() (*videoSource, error) {
	return openVideoSource(driver.Camera, prop.Media{
		Video: prop.Video{
			Width:       prop.Int(640),
			Height:      prop.Int(480),
			FrameFormat: prop.FrameFormatOneOf{},
			FrameRate:   prop.Float(15),
		},
	})
}

// openScreen opens the first available screen-capture source at 1280x720 ~10fps.
func openScreen() (*videoSource, error) {
	return openVideoSource(driver.Screen, prop.Media{
		Video: prop.Video{
			Width:     prop.Int(1280),
			Height:    prop.Int(720),
			FrameRate: prop.Float(10),
		},
	})
}

func openVideoSource(kind driver.DeviceType, constraint prop.Media) (*videoSource, error) {
	var chosen driver.Driver
	for _, d := range driver.GetManager().Query(func(d driver.Driver) bool {
		return d.Info().DeviceType == kind
	}) {
		chosen = d
		break
	}
	if chosen == nil {
		return nil, fmt.Errorf("no %s device available", kind)
	}

	if err := chosen.Open(); err != nil {
		return nil, fmt.Errorf("open %s device: %w", kind, err)
	}

	recorder, ok := chosen.(driver.VideoRecorder)
	if !ok {
		_ = chosen.Close()
		return nil, fmt.Errorf("%s device does not support video recording", kind)
	}

	reader, err := recorder.VideoRecord(constraint)
	if err != nil {
		_ = chosen.Close()
		return nil, fmt.Errorf("start %s capture: %w", kind, err)
	}

	return &videoSource{d: chosen, reader: reader}, nil
}

// readJPEG blocks for the next frame and returns it JPEG-encoded.
func (v *videoSource) readJPEG() ([]byte, error) {
	img, release, err := v.reader.Read()
	if err != nil {
		return nil, err
	}
	defer release()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (v *videoSource) Close() error {
	return v.d.Close()
}
