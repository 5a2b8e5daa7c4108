/*
Command atmofit retrieves surface reflectance and atmospheric parameters
from measured at-sensor radiance spectra by iterated optimal estimation.

Contents

Version 0.1

  Program overview
  Command line usage
  Configuring file locations
  File formats
  Algorithm outline


Program overview

Input is a stream of measured pixels, each holding a calibrated radiance
spectrum on the instrument wavelength grid, the noise variance of each
channel, and the observation geometry.  Output is one line per pixel with
the fit outcome, the retrieved atmospheric parameters, and the mean
retrieved surface reflectance.

Radiative transfer is not computed by atmofit itself.  An external
radiative transfer code is run once per point of a grid of atmospheric
states, and its results are compiled into a lookup table by the program
lutgen.  Atmofit reconstructs at-sensor radiance for any atmospheric
state inside the grid by multilinear interpolation of the table.

Sample run:

You put pixels in a file, say scene.pix, then type "atmofit scene.pix"
and get output like the following.

  atmofit version 0.1 Go source.
    Row   Col Fit  Iter        Cost   H2OSTR   AOT550 MeanRfl
      0     0 conv    6      42.363   1.7742   0.0815  0.2076
      0     1 conv    5      38.150   1.7796   0.0834  0.2145
      0     2 conv    7      51.402   1.8011   0.0901  0.1988 *
      0     3 max    30     2403.17   2.4133   0.1990  0.3407

The Fit column reports the solver outcome for the pixel: conv for a
converged fit, max when the iteration limit ran out, div for a diverged
fit.  A trailing * marks a degraded retrieval, one where the atmospheric
state was clamped to the table edge or where some derivative could not
be computed.  Cost is the final value of the fit objective; comparing it
against the number of instrument channels gives a quick check on fit
quality.

The retrieved state also includes a full reflectance spectrum and its
posterior uncertainty per pixel.  The one line per pixel output reports
only summary values; the MeanRfl column is the mean of the retrieved
reflectance spectrum.


Command line usage

The main executable is atmofit.  Invoking the program without command
line arguments (or with invalid arguments) shows this usage prompt.

  Usage: atmofit [options] <pixfile>    invert pixels in file
         atmofit [options] -           invert pixels from stdin
         atmofit -h                    display help and quick reference
         atmofit -v                    display version and copyright

  Options:
         -c <config-file>
         -t <table-file>
         -s <surface-file>
         -p <path>

The help information lists a quick reference to keywords allowed in the
configuration file.  The configuration file is explained below under
File formats.


Configuring file locations

When atmofit runs, it reads pixels either from a file specified on the
command line or from stdin.

It also reads from two other required data files and an optional
configuration file.  Their initial location is determined by GOPATH.
The full path is shown at the end of the usage message.  Type atmofit
without command line arguments and read the default location as the -p
default.

You can maintain these three files in their default location or you can
relocate them and specify their locations with command line options.

	File             Command line option
	atmofit.lut      -t
	atmofit.surface  -s
	atmofit.config   -c

A configuration file is required to be present if -c is used.

You can use the -p option to specify a common path to the three files,
overriding the default location.  They will be accessed with their
default names but in the specified location.

If you specify -p in combination with -c, -t, or -s, the path specified
with the -c, -t, or -s option takes precedence.


File formats

The pixel file, whether supplied as a file or through stdin, is a gob
stream (see package encoding/gob) of pixel records.  Each record holds
row and column numbers, the radiance spectrum, the noise variance per
channel, and the observation geometry: solar and view angles, surface
elevation, and the modified Julian date of observation.  Spectra must
be on the wavelength grid of the lookup table.  Pixels that fail basic
validation, wrong spectrum length, non-finite radiance, sun below the
horizon, are dropped without notification.

atmofit.lut is a binary file generated by the program lutgen from a
text dump of radiative transfer simulation results.  See the full
documentation on lutgen with,

	go doc lutgen

atmofit.surface is a binary file holding the multicomponent surface
reflectance prior and the atmospheric climatology.

atmofit.config, the optional configuration file, is a text file with a
simple format.  Empty lines and lines beginning with # are ignored.
Other lines must contain either a keyword or a keyword = value setting.

Allowable keywords:

   headings
   noheadings
   repeatable
   random
   strictdomain
   clampdomain
   maxiter = <n>
   costtol = <x>
   statetol = <x>
   retries = <n>
   perturb = <x>
   fdstep = <x>
   noisefloor = <x>

Headings can be turned off if desired.  Keywords repeatable and random
control the seeding of the random perturbation used when a fit is
retried from an alternate starting point; repeatable gives bit
identical output across runs.  By default an atmospheric state outside
the table grid is clamped to the nearest edge and the retrieval is
marked degraded; strictdomain makes such a pixel fail instead.
Noisefloor sets a minimum noise variance per channel, guarding against
pixels supplied with unrealistically small uncertainties.


Algorithm outline

1.  A state vector is formed holding one surface reflectance value per
instrument channel followed by the atmospheric parameters of the lookup
table grid.

2.  For a trial state, at-sensor radiance is predicted by interpolating
the atmospheric terms of the lookup table, path reflectance, spherical
albedo, and the downward and upward transmittances, then composing them
with the surface reflectance and the per channel solar irradiance at
the observation epoch.  Partial derivatives of the radiance with
respect to every state element come from the same interpolation, so no
extra radiative transfer evaluations are needed during iteration.

3.  A Gaussian prior over the state vector is assembled per pixel.  The
surface part comes from a multicomponent surface model; the component
whose normalized spectrum shape is nearest the measured spectrum is
selected, so the prior follows the material type rather than the
brightness.  The atmospheric part is climatology from the surface file.

4.  Starting from the prior mean, the state is iterated by damped
Gauss-Newton steps on the combined cost: radiance misfit weighted by
the inverse noise covariance, plus departure from the prior weighted by
the inverse prior covariance.  Steps leaving the valid state interval
are projected back.  The damping factor is raised when a trial step
fails to reduce the cost and lowered when it succeeds.

5.  Iteration stops when the relative cost change or the relative step
size falls below tolerance, when the iteration limit runs out, or when
too many consecutive trial steps fail.  An unconverged fit is retried
once from a randomly perturbed starting point and the better outcome is
kept.

6.  The retrieved state is reported with a posterior covariance from
the final linearization, giving per element uncertainties of the
retrieval.

-------------
Public domain.
*/
package main
