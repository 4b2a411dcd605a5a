package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/yamux"
	"golang.org/x/sync/errgroup"

	gocraft "github.com/icexin/gocraft-collab/client"
	"github.com/icexin/gocraft-collab/proto"
)

var (
	serverAddr = flag.String("addr", "127.0.0.1:6000", "server address")
	useMux     = flag.Bool("mux", false, "connect through a yamux session (server -mux listener)")
	dbPath     = flag.String("db", "", "bolt file to load the mirror from and save it to on exit")
	archive    = flag.String("archive", "", "write a zstd archive of the mirror on exit")
	radius     = flag.Float64("radius", 8, "radius of the walked circle")
	editEvery  = flag.Duration("edit", 2*time.Second, "interval between block edits (0 to disable)")
	duration   = flag.Duration("d", 0, "run time (0 runs until interrupted)")
	poseTick   = flag.Duration("tick", gocraft.DefaultPoseInterval, "pose update interval")
	verbose    = flag.Bool("v", false, "log every inbound event")
	restoreRun = flag.Bool("restore", false, "load the mirror saved in -db and/or -archive, report it and exit without connecting")
)

type logRenderer struct {
	logger *log.Logger
}

func (r logRenderer) RenderBlock(pos proto.BlockPos, typ string) {
	r.logger.Printf("block %v -> %s", pos, typ)
}

func (r logRenderer) RemoveBlock(pos proto.BlockPos) {
	r.logger.Printf("block %v removed", pos)
}

func (r logRenderer) MoveAvatar(id string, pose proto.Pose) {
	r.logger.Printf("player %s at %v", id, pose.Position)
}

func (r logRenderer) RemoveAvatar(id string) {
	r.logger.Printf("player %s left", id)
}

func main() {
	flag.Parse()
	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	if *restoreRun {
		mirror, camera, err := restore(*dbPath, *archive, logger)
		if err != nil {
			logger.Fatal(err)
		}
		logger.Printf("restored %d blocks, camera at %v", len(mirror.ExportSnapshot()), camera.Position)
		return
	}

	var render gocraft.Renderer
	if *verbose {
		render = logRenderer{logger: logger}
	}
	mirror := gocraft.NewMirror(render)

	// the init snapshot replaces the whole mirror, so only the camera is
	// read back before connecting
	var store *gocraft.Store
	start := proto.Pose{Position: [3]float64{0, 16, 0}}
	if *dbPath != "" {
		var err error
		store, err = gocraft.OpenStore(*dbPath)
		if err != nil {
			logger.Fatal(err)
		}
		defer store.Close()
		if start, err = store.GetCamera(); err != nil {
			logger.Fatal(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	client, cleanup, err := connect(mirror, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer cleanup()

	last := run(ctx, client, start)
	if err := client.Err(); err != nil {
		logger.Printf("disconnected: %v", err)
	}

	if store != nil {
		if err := store.SaveMirror(mirror); err != nil {
			logger.Print(err)
		}
		if err := store.UpdateCamera(last); err != nil {
			logger.Print(err)
		}
	}
	if *archive != "" {
		hdr := gocraft.ArchiveHeader{ClientId: client.ID(), Camera: last}
		if err := gocraft.WriteArchive(*archive, hdr, mirror); err != nil {
			logger.Print(err)
		}
	}
}

// connect joins the server over plain TCP, or over a new stream of a yamux
// session when -mux is set. cleanup closes the client and the session.
func connect(mirror *gocraft.Mirror, logger *log.Logger) (*gocraft.Client, func(), error) {
	c := gocraft.NewClient(mirror)
	c.Logger = logger
	c.PoseInterval = *poseTick

	if !*useMux {
		if err := c.Dial(*serverAddr); err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		return nil, nil, err
	}
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	sess, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := c.DialMux(sess); err != nil {
		sess.Close()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		sess.Close()
	}, nil
}

// restore loads a saved mirror without connecting. Blocks from the archive
// are merged over those from the bolt store, and the archive's camera wins.
func restore(db, archivePath string, logger *log.Logger) (*gocraft.Mirror, proto.Pose, error) {
	mirror := gocraft.NewMirror(nil)
	camera := proto.Pose{Position: [3]float64{0, 16, 0}}
	if db == "" && archivePath == "" {
		return nil, camera, errors.New("-restore needs -db or -archive")
	}
	if db != "" {
		store, err := gocraft.OpenStore(db)
		if err != nil {
			return nil, camera, err
		}
		defer store.Close()
		if err := store.LoadMirror(mirror); err != nil {
			return nil, camera, fmt.Errorf("load %s: %w", db, err)
		}
		if camera, err = store.GetCamera(); err != nil {
			return nil, camera, err
		}
	}
	if archivePath != "" {
		hdr, err := gocraft.ReadArchive(archivePath, mirror)
		if err != nil {
			return nil, camera, fmt.Errorf("read %s: %w", archivePath, err)
		}
		camera = hdr.Camera
		logger.Printf("archive of %s from %s, %d blocks", hdr.ClientId, hdr.SavedAt.Format(time.RFC3339), hdr.Blocks)
	}
	return mirror, camera, nil
}

// run walks a circle around the start pose and edits blocks next to the
// path until ctx ends or the connection drops. It returns the last pose.
func run(ctx context.Context, c *gocraft.Client, start proto.Pose) proto.Pose {
	g, ctx := errgroup.WithContext(ctx)
	poses := make(chan proto.Pose, 1)
	poses <- start

	g.Go(func() error {
		ticker := time.NewTicker(*poseTick / 2)
		defer ticker.Stop()
		begin := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return c.Err()
			case now := <-ticker.C:
				a := now.Sub(begin).Seconds()
				pose := start
				pose.Position[0] += *radius * math.Cos(a)
				pose.Position[2] += *radius * math.Sin(a)
				pose.Rotation[1] = math.Mod(90-a*180/math.Pi, 360)
				c.UpdateLocalPose(pose)
				<-poses
				poses <- pose
			}
		}
	})

	if *editEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(*editEvery)
			defer ticker.Stop()
			types := []string{"grass", "stone"}
			var placed []proto.BlockPos
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-c.Done():
					return nil
				case <-ticker.C:
				}
				if len(placed) > 0 && rand.Intn(3) == 0 {
					pos := placed[0]
					placed = placed[1:]
					c.ApplyLocalEdit(pos, "", false)
					continue
				}
				pose := <-poses
				poses <- pose
				pos := proto.BlockPos{
					int(math.Round(pose.Position[0])),
					1,
					int(math.Round(pose.Position[2])),
				}
				c.ApplyLocalEdit(pos, types[rand.Intn(len(types))], true)
				placed = append(placed, pos)
			}
		})
	}

	g.Wait()
	c.Close()
	pose := <-poses
	return pose
}
