// Command vio-run drives the FullSystem pipeline over a directory of
// sequentially numbered grayscale frames, in the shape of
// web/cmd/server/main.go + web/server/entrypoint.go's RunServer
// convention: a flag-tagged Arguments struct parsed with
// utils.ParseFlags, and a run function handed to utils.ContextualMain.
package main

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/utils"

	"github.com/dsovio/fullsystem/calib"
	"github.com/dsovio/fullsystem/output"
	"github.com/dsovio/fullsystem/pipeline"
	"github.com/dsovio/fullsystem/settings"
)

var logger = golog.NewLogger("vio-run")

// Arguments are the recognized command-line flags, grounded on
// web/server/entrypoint.go's Arguments struct (flag-tagged fields, a
// required positional ConfigFile-style argument).
type Arguments struct {
	FrameDir   string  `flag:"0,required,usage=directory of sequentially numbered png/jpg frames"`
	Fx         float64 `flag:"fx,default=400,usage=camera focal length x in pixels"`
	Fy         float64 `flag:"fy,default=400,usage=camera focal length y in pixels"`
	Cx         float64 `flag:"cx,usage=principal point x, defaults to image width/2"`
	Cy         float64 `flag:"cy,usage=principal point y, defaults to image height/2"`
	FPS        float64 `flag:"fps,default=30,usage=frame rate used to synthesize per-frame timestamps"`
	TrajectoryOut string `flag:"trajectory-out,usage=file to write the output trajectory to, TUM format"`
	UseIMU     bool    `flag:"use-imu,usage=enable the visual-inertial pipeline path"`
	Debug      bool    `flag:"debug"`
}

func main() {
	utils.ContextualMain(run, logger)
}

func run(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = golog.NewDebugLogger("vio-run")
	}

	frames, err := listFrameFiles(argsParsed.FrameDir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errNoFrames
	}

	firstW, firstH, err := peekFrameSize(frames[0])
	if err != nil {
		return err
	}
	intr := calib.Intrinsics{
		Width: firstW, Height: firstH,
		Fx: argsParsed.Fx, Fy: argsParsed.Fy,
	}
	if argsParsed.Cx > 0 {
		intr.Cx = argsParsed.Cx
	} else {
		intr.Cx = float64(firstW) / 2
	}
	if argsParsed.Cy > 0 {
		intr.Cy = argsParsed.Cy
	} else {
		intr.Cy = float64(firstH) / 2
	}
	c := calib.NewLinearCalibration(intr)

	s := settings.Default()
	s.UseIMU = argsParsed.UseIMU
	if err := s.Validate(); err != nil {
		return err
	}

	collab := newReferenceCollaborators(s, c)
	collab.Observer = output.NoopObserver{}
	if argsParsed.TrajectoryOut != "" {
		tw, f, err := output.OpenTrajectoryFile(argsParsed.TrajectoryOut, s, collab.IMU.(*referenceIMU).firstPose())
		if err != nil {
			return err
		}
		defer utils.UncheckedErrorFunc(f.Close)
		collab.Trajectory = tw
	}

	co := pipeline.NewCoordinator(s, c, logger, collab)
	defer co.Close()

	builder := newPyramidBuilder(intr)
	dt := 1.0 / argsParsed.FPS

	for i, path := range frames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pyr, exposure, err := builder.BuildFromFile(path)
		if err != nil {
			return err
		}
		ts := float64(i) * dt
		if procErr := co.ProcessFrame(ctx, pyr, i, ts, exposure, nil, nil); procErr != nil {
			if procErr == pipeline.ErrLost || procErr == pipeline.ErrUnrecoverable {
				logger.Errorw("tracking failed", "frame", path, "error", procErr)
				return procErr
			}
			logger.Debugw("ProcessFrame reported a recoverable condition", "frame", path, "error", procErr)
		}
	}

	logger.Infow("processed all frames", "count", len(frames), "state", co.State())
	time.Sleep(10 * time.Millisecond) // let the mapping thread drain its final queued frame before Close.
	return nil
}
