package cli

import (
	"fmt"
	"io"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/bootstrap"
	"github.com/aggiestack/aggiestack/internal/display"
	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/migration"
	"github.com/aggiestack/aggiestack/internal/services"
	"github.com/aggiestack/aggiestack/internal/services/hardware"
)

// =============================================================================
// config
// =============================================================================

func (a *app) configCommand() *cobra.Command {
	var hardwareFile, imagesFile, flavorsFile string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Load hardware, images or flavors from a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(reg *services.Registry) error {
				ctx := cmd.Context()

				switch {
				case imagesFile != "":
					images, err := bootstrap.ParseImagesFile(imagesFile)
					if err != nil {
						return err
					}
					return reg.Catalog.ImportImages(ctx, images)

				case flavorsFile != "":
					flavors, err := bootstrap.ParseFlavorsFile(flavorsFile)
					if err != nil {
						return err
					}
					return reg.Catalog.ImportFlavors(ctx, flavors)

				default:
					hw, err := bootstrap.ParseHardwareFile(hardwareFile)
					if err != nil {
						return err
					}
					result, err := reg.Hardware.Import(ctx, hw.Racks, hw.Servers)
					if err != nil {
						return err
					}
					a.logger.Info("Hardware imported",
						zap.Int("racks_created", result.RacksCreated),
						zap.Int("servers_created", result.ServersCreated),
					)
					return nil
				}
			})
		},
	}

	cmd.Flags().StringVar(&hardwareFile, "hardware", "", "hardware configuration file")
	cmd.Flags().StringVar(&imagesFile, "images", "", "image configuration file")
	cmd.Flags().StringVar(&flavorsFile, "flavors", "", "flavor configuration file")
	cmd.MarkFlagsMutuallyExclusive("hardware", "images", "flavors")
	cmd.MarkFlagsOneRequired("hardware", "images", "flavors")
	return cmd
}

// =============================================================================
// show
// =============================================================================

func (a *app) showCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display inventory",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "hardware",
			Short: "Display machines",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.query(cmd, func(reg *services.Registry) error {
					return a.showHardware(cmd, reg, a.access.Elevated)
				})
			},
		},
		&cobra.Command{
			Use:   "images",
			Short: "Display images",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.query(cmd, func(reg *services.Registry) error {
					return a.showImages(cmd, reg)
				})
			},
		},
		&cobra.Command{
			Use:   "flavors",
			Short: "Display flavors",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.query(cmd, func(reg *services.Registry) error {
					return a.showFlavors(cmd, reg)
				})
			},
		},
		&cobra.Command{
			Use:   "all",
			Short: "Display flavors, images and machines",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.query(cmd, func(reg *services.Registry) error {
					if err := a.showFlavors(cmd, reg); err != nil {
						return err
					}
					if err := a.showImages(cmd, reg); err != nil {
						return err
					}
					return a.showHardware(cmd, reg, false)
				})
			},
		},
		&cobra.Command{
			Use:   "instances",
			Short: "Display instances with their machines (admin)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.access.RequireElevated("show instances"); err != nil {
					cmd.SilenceUsage = true
					return err
				}
				return a.query(cmd, func(reg *services.Registry) error {
					insts, err := reg.Instances.ListInstances(cmd.Context(), a.access)
					if err != nil {
						return err
					}
					return display.Instances(cmd.OutOrStdout(), insts, true)
				})
			},
		},
		&cobra.Command{
			Use:   "imagecaches RACK",
			Short: "Display the images cached on a rack (admin)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.query(cmd, func(reg *services.Registry) error {
					rack, err := reg.Hardware.RackImageCache(cmd.Context(), a.access, args[0])
					if err != nil {
						return err
					}
					return display.ImageCache(cmd.OutOrStdout(), rack)
				})
			},
		},
	)
	return cmd
}

func (a *app) showHardware(cmd *cobra.Command, reg *services.Registry, verbose bool) error {
	servers, err := reg.Hardware.ListServers(cmd.Context())
	if err != nil {
		return err
	}
	active := lo.Filter(servers, func(s *domain.Server, _ int) bool { return s.IsActive })
	return display.Hardware(cmd.OutOrStdout(), active, verbose)
}

func (a *app) showImages(cmd *cobra.Command, reg *services.Registry) error {
	images, err := reg.Catalog.ListImages(cmd.Context())
	if err != nil {
		return err
	}
	return display.Images(cmd.OutOrStdout(), images)
}

func (a *app) showFlavors(cmd *cobra.Command, reg *services.Registry) error {
	flavors, err := reg.Catalog.ListFlavors(cmd.Context())
	if err != nil {
		return err
	}
	return display.Flavors(cmd.OutOrStdout(), flavors)
}

// =============================================================================
// server
// =============================================================================

func (a *app) serverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Create, list or delete instances",
	}

	var image, flavor string
	create := &cobra.Command{
		Use:   "create --image IMAGE --flavor FLAVOR NAME",
		Short: "Create an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(reg *services.Registry) error {
				_, err := reg.Instances.CreateInstanceCached(cmd.Context(), a.access, args[0], flavor, image)
				return err
			})
		},
	}
	create.Flags().StringVar(&image, "image", "", "image name")
	create.Flags().StringVar(&flavor, "flavor", "", "flavor name")
	create.MarkFlagRequired("image")
	create.MarkFlagRequired("flavor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.query(cmd, func(reg *services.Registry) error {
				insts, err := reg.Instances.ListInstances(cmd.Context(), a.access)
				if err != nil {
					return err
				}
				return display.Instances(cmd.OutOrStdout(), insts, false)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(reg *services.Registry) error {
				return reg.Instances.DeleteInstance(cmd.Context(), a.access, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

// =============================================================================
// admin operations
// =============================================================================

func (a *app) canHostCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "can_host MACHINE FLAVOR",
		Short: "Report whether a machine has room for a flavor (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.query(cmd, func(reg *services.Registry) error {
				ok, err := reg.Instances.CanHost(cmd.Context(), a.access, args[0], args[1])
				if err != nil {
					return err
				}
				return display.Bool(cmd.OutOrStdout(), ok)
			})
		},
	}
}

func (a *app) evacuateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "evacuate RACK",
		Short: "Move every instance off a rack and take its machines out of service (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(reg *services.Registry) error {
				report, err := reg.Migrations.EvacuateRack(cmd.Context(), a.access, args[0])
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (a *app) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove MACHINE",
		Short: "Move every instance off a machine and remove it (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(reg *services.Registry) error {
				report, err := reg.Migrations.RemoveServer(cmd.Context(), a.access, args[0])
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (a *app) addCommand() *cobra.Command {
	var spec hardware.ServerSpec

	cmd := &cobra.Command{
		Use:   "add --mem MEM --disk DISK --vcpus VCPUS --ip IP --rack RACK NAME",
		Short: "Add a machine or return a removed one to service (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Name = args[0]
			return a.mutate(cmd, func(reg *services.Registry) error {
				_, err := reg.Hardware.AddServer(cmd.Context(), a.access, spec)
				return err
			})
		},
	}

	cmd.Flags().Int64Var(&spec.Memory, "mem", 0, "memory of the machine")
	cmd.Flags().Int64Var(&spec.Disk, "disk", 0, "disk size of the machine")
	cmd.Flags().Int64Var(&spec.VCPU, "vcpus", 0, "vCPUs of the machine")
	cmd.Flags().StringVar(&spec.IP, "ip", "", "IP address of the machine")
	cmd.Flags().StringVar(&spec.Rack, "rack", "", "rack holding the machine")
	for _, name := range []string{"mem", "disk", "vcpus", "ip", "rack"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func printReport(w io.Writer, report *migration.Report) error {
	for _, m := range report.Moves {
		if _, err := fmt.Fprintf(w, "%s: %s -> %s\n", m.Instance, m.From, m.To); err != nil {
			return err
		}
	}
	return nil
}
