package dashboard

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/andresmejia3/spotter/internal/controller"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// HandleHealth returns server health status
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.deps.Version,
		"clients": s.hub.Clients(),
	})
}

// HandleState returns the current controller state.
func (s *Server) HandleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Controller.State())
}

// HandleWebSocket streams state changes to the browser.
func (s *Server) HandleWebSocket(c echo.Context) error {
	return s.hub.Serve(c, s.deps.Controller.State())
}

// HandleListVideos refreshes and returns the video list.
func (s *Server) HandleListVideos(c echo.Context) error {
	if err := s.deps.Controller.RefreshVideos(c.Request().Context()); err != nil {
		return NewUpstreamError(controller.MsgVideos, err)
	}
	videos := s.deps.Controller.State().Videos
	if videos == nil {
		videos = []types.Video{}
	}
	return c.JSON(http.StatusOK, videos)
}

// HandleUpload stores the browser upload locally and hands it to the controller,
// which forwards it and starts polling the new job.
func (s *Server) HandleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return NewValidationError("file", err)
	}
	name := filepath.Base(file.Filename)
	if name == "." || name == string(filepath.Separator) {
		return NewValidationError("file", fmt.Errorf("invalid filename %q", file.Filename))
	}

	// One directory per upload keeps the original name for the service
	dir := filepath.Join(s.deps.UploadDir, uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return NewInternalError("failed to prepare upload directory", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, name)
	if err := saveFormFile(file, path); err != nil {
		return NewInternalError("failed to store upload", err)
	}

	s.deps.Controller.SelectFile(path)
	job, _, err := s.deps.Controller.Upload(c.Request().Context())
	if err != nil {
		return NewUpstreamError(controller.MsgUpload, err)
	}
	return c.JSON(http.StatusCreated, job)
}

func saveFormFile(file *multipart.FileHeader, dst string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// HandleSelectVideo makes a video the viewed one and loads its detections.
func (s *Server) HandleSelectVideo(c echo.Context) error {
	id, err := videoID(c)
	if err != nil {
		return err
	}

	v := types.Video{ID: id}
	for _, known := range s.deps.Controller.State().Videos {
		if known.ID == id {
			v = known
			break
		}
	}

	if err := s.deps.Controller.SelectVideo(c.Request().Context(), v); err != nil {
		return NewUpstreamError(controller.MsgDetections, err)
	}
	return c.JSON(http.StatusOK, s.deps.Controller.State())
}

// HandleDeleteVideo removes a video on the detection service.
func (s *Server) HandleDeleteVideo(c echo.Context) error {
	id, err := videoID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Controller.DeleteVideo(c.Request().Context(), id); err != nil {
		return NewUpstreamError(controller.MsgDelete, err)
	}
	return c.JSON(http.StatusOK, s.deps.Controller.State())
}

// HandleProcess starts detection on an existing video again.
func (s *Server) HandleProcess(c echo.Context) error {
	id, err := videoID(c)
	if err != nil {
		return err
	}
	sess, err := s.deps.Controller.Reprocess(c.Request().Context(), id)
	if err != nil {
		return NewUpstreamError(controller.MsgReprocess, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"video_id": id,
		"polling":  sess != nil,
	})
}

// HandleCancelSession stops the active poll session, if any.
func (s *Server) HandleCancelSession(c echo.Context) error {
	s.deps.Controller.CancelSession()
	return c.JSON(http.StatusOK, s.deps.Controller.State())
}

// HandleDetectionsMsgpack returns a video's detections msgpack encoded.
func (s *Server) HandleDetectionsMsgpack(c echo.Context) error {
	id, err := videoID(c)
	if err != nil {
		return err
	}

	// Reuse what the controller already holds for this video
	var dets []types.Detection
	if st := s.deps.Controller.State(); st.DetectionsFor == id {
		dets = st.Detections
	} else {
		dets, err = s.deps.Upstream.Detections(c.Request().Context(), id)
		if err != nil {
			return NewUpstreamError(controller.MsgDetections, err)
		}
	}
	if dets == nil {
		dets = []types.Detection{}
	}

	data, err := msgpack.Marshal(dets)
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleProcessed proxies the processed video so the browser can play it
// from the dashboard origin.
func (s *Server) HandleProcessed(c echo.Context) error {
	id, err := videoID(c)
	if err != nil {
		return err
	}

	body, size, contentType, err := s.deps.Upstream.OpenProcessed(c.Request().Context(), id)
	if err != nil {
		return NewUpstreamError("Failed to load processed video.", err)
	}
	defer body.Close()

	if contentType == "" {
		contentType = "video/mp4"
	}
	if size >= 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	}
	return c.Stream(http.StatusOK, contentType, body)
}

func videoID(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, NewValidationError("id", err)
	}
	return id, nil
}
