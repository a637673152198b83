// Command mockstt is a local stand-in for the ElevenLabs speech-to-text
// endpoint. It accepts the same multipart upload and answers with a fixed
// transcript, or an empty one for silent audio.
package main

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	flag "github.com/spf13/pflag"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

type transcriptionResponse struct {
	Text         string  `json:"text"`
	LanguageCode string  `json:"language_code"`
	Probability  float64 `json:"language_probability"`
}

func main() {
	address := flag.String("address", "127.0.0.1:9000", "Listen address")
	text := flag.String("text", "Two burgers for table four, medium rare.", "Transcript returned for voiced audio")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.POST("/v1/speech-to-text", func(c echo.Context) error {
		file, err := c.FormFile("file")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "missing audio file")
		}

		f, err := file.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable audio file")
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable audio file")
		}

		samples, sampleRate, err := audio.DecodeWAV(data)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		logger.Info("Transcription request received",
			slog.String("filename", file.Filename),
			slog.String("model_id", c.FormValue("model_id")),
			slog.String("language_code", c.FormValue("language_code")),
			slog.Bool("api_key_set", c.Request().Header.Get("xi-api-key") != ""),
			slog.Int("samples", len(samples)),
			slog.Int("sample_rate", sampleRate),
		)

		time.Sleep(*delay)

		resp := transcriptionResponse{LanguageCode: "en", Probability: 0.98}
		if !silent(samples) {
			resp.Text = *text
		}

		logger.Info("Transcription response sent", slog.String("text", resp.Text))
		return c.JSON(http.StatusOK, resp)
	})

	logger.Info("Mock speech-to-text server starting",
		slog.String("endpoint", "http://"+*address+"/v1/speech-to-text"),
	)
	if err := e.Start(*address); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func silent(samples []int16) bool {
	for _, s := range samples {
		if s != 0 {
			return false
		}
	}
	return true
}
