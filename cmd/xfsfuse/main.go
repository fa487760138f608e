package main

import (
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/KarpelesLab/xfs"
)

var (
	flagRW    bool
	flagDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "xfsfuse",
	Short: "Mount and inspect XFS filesystems from userspace",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagDebug {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount DEVICE MOUNTPOINT",
	Short: "Mount an XFS filesystem (read-only unless --rw)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []xfs.Option
		if flagRW {
			opts = append(opts, xfs.ReadWrite())
		}
		vol, err := xfs.Mount(args[0], opts...)
		if err != nil {
			return fmt.Errorf("failed to mount %s: %w", args[0], err)
		}

		srv, err := xfs.MountFUSE(vol, args[1], flagDebug)
		if err != nil {
			vol.Unmount()
			return fmt.Errorf("fuse mount on %s: %w", args[1], err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			srv.Unmount()
		}()

		srv.Wait()
		if err := vol.Unmount(); err != nil {
			return fmt.Errorf("unmount: %w", err)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info DEVICE",
	Short: "Display information about an XFS filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := xfs.Mount(args[0])
		if err != nil {
			return err
		}
		defer vol.Unmount()

		sb := vol.Super()
		version := 4
		if sb.HasCRC() {
			version = 5
		}
		fmt.Println("XFS Filesystem Information")
		fmt.Println("==========================")
		fmt.Printf("UUID:             %s\n", uuid.UUID(sb.UUID))
		fmt.Printf("Label:            %s\n", label(sb))
		fmt.Printf("Version:          %d\n", version)
		fmt.Printf("Block size:       %d bytes\n", sb.BlockSize)
		fmt.Printf("Inode size:       %d bytes\n", sb.InodeSize)
		fmt.Printf("Data blocks:      %d\n", sb.DataBlocks)
		fmt.Printf("Free blocks:      %d\n", sb.DataFree)
		fmt.Printf("Allocation grps:  %d x %d blocks\n", sb.AGCount, sb.AGBlocks)
		fmt.Printf("Inodes:           %d (%d free)\n", sb.InodesAllocated, sb.InodesFree)
		fmt.Printf("Ftype:            %v\n", sb.HasFtype())
		fmt.Printf("Root inode:       %d\n", sb.RootInode)
		return nil
	},
}

var labelCmd = &cobra.Command{
	Use:   "label DEVICE",
	Short: "Print the filesystem label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := xfs.Mount(args[0])
		if err != nil {
			return err
		}
		defer vol.Unmount()
		sb := vol.Super()
		fmt.Println(label(sb))
		return nil
	},
}

var uuidCmd = &cobra.Command{
	Use:   "uuid DEVICE",
	Short: "Print the filesystem UUID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := xfs.Mount(args[0])
		if err != nil {
			return err
		}
		defer vol.Unmount()
		sb := vol.Super()
		fmt.Println(uuid.UUID(sb.UUID))
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls DEVICE [PATH]",
	Short: "List files without mounting",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := xfs.Mount(args[0])
		if err != nil {
			return err
		}
		defer vol.Unmount()

		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}
		entries, err := fs.ReadDir(vol, dir)
		if err != nil {
			return fmt.Errorf("failed to read directory %q: %w", dir, err)
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: no info for %q: %s\n", entry.Name(), err)
				continue
			}
			size := fmt.Sprintf("%8d", info.Size())
			if info.IsDir() {
				size = "       -"
			}
			fmt.Printf("%s %s %s %s\n", info.Mode(), size, info.ModTime().Format("Jan 02 15:04"), entry.Name())
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat DEVICE FILE",
	Short: "Print a file's contents without mounting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := xfs.Mount(args[0])
		if err != nil {
			return err
		}
		defer vol.Unmount()

		data, err := fs.ReadFile(vol, args[1])
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", args[1], err)
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var mkfsSize int64
var mkfsV5 bool

var mkfsCmd = &cobra.Command{
	Use:   "mkfs IMAGE",
	Short: "Write a fresh filesystem onto an image file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return xfs.MkfsFile(args[0], mkfsSize, xfs.MkfsOptions{V5: mkfsV5})
	},
}

func label(sb xfs.SuperBlock) string {
	name := sb.FSName[:]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	return string(name)
}

func main() {
	mountCmd.Flags().BoolVar(&flagRW, "rw", false, "mount read-write (default is read-only)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	mkfsCmd.Flags().Int64Var(&mkfsSize, "size", 64<<20, "image size in bytes")
	mkfsCmd.Flags().BoolVar(&mkfsV5, "v5", false, "write a V5 (CRC) filesystem")

	rootCmd.AddCommand(mountCmd, infoCmd, labelCmd, uuidCmd, lsCmd, catCmd, mkfsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
